// Package logging provides the leveled, structured logger used throughout
// the storage client: component-scoped level overrides, text or JSON
// output, and optional file rotation, all backed by log/slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
)

// Level is a logging severity, ordered DEBUG < INFO < WARN < ERROR.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the level's name.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format selects the logger's output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Field is a structured key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// F is a shorthand constructor for Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Config configures a Logger.
type Config struct {
	Level         Level
	Output        io.Writer
	Format        Format
	IncludeCaller bool
	// IncludeStack captures a stack trace on every ERROR-level entry.
	IncludeStack bool
	Rotation     *RotationConfig
}

// DefaultConfig returns the package's default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// Logger is a leveled, structured logger with component-scoped level
// overrides. It wraps an slog.Logger rather than extending it, since
// slog's own level/handler model doesn't support per-component overrides.
type Logger struct {
	mu sync.RWMutex

	level        Level
	format       Format
	includeStack bool
	output       io.Writer
	fields       []Field
	component    string
	componentLvl map[string]Level
	rotator      *Rotator
	base         *slog.Logger
}

// New constructs a Logger. A nil config uses DefaultConfig.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Logger{
		level:        config.Level,
		format:       config.Format,
		includeStack: config.IncludeStack,
		output:       config.Output,
		componentLvl: make(map[string]Level),
	}
	if l.output == nil {
		l.output = os.Stdout
	}

	if config.Rotation != nil {
		rotator, err := NewRotator(config.Rotation)
		if err != nil {
			return nil, fmt.Errorf("create log rotator: %w", err)
		}
		l.rotator = rotator
		l.output = rotator
	}

	l.base = slog.New(l.newHandler())
	return l, nil
}

// newHandler always admits everything at the slog layer; Logger.enabled
// does the real level filtering so SetLevel/SetComponentLevel can change
// behavior after construction without rebuilding the handler.
func (l *Logger) newHandler() slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: false}
	if l.format == FormatJSON {
		return slog.NewJSONHandler(l.output, opts)
	}
	return slog.NewTextHandler(l.output, opts)
}

// With returns a derived Logger carrying the additional fields on every
// subsequent entry.
func (l *Logger) With(fields ...Field) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &Logger{
		level:        l.level,
		format:       l.format,
		includeStack: l.includeStack,
		output:       l.output,
		fields:       merged,
		component:    l.component,
		componentLvl: l.componentLvl,
		rotator:      l.rotator,
		base:         l.base,
	}
}

// WithComponent returns a derived Logger tagged with a component name,
// which SetComponentLevel can target for a per-component level override.
func (l *Logger) WithComponent(component string) *Logger {
	derived := l.With(Field{Key: "component", Value: component})
	derived.component = component
	return derived
}

// SetComponentLevel overrides the effective level for entries tagged with
// the given component, independent of the logger's global level.
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLvl[component] = level
}

// SetLevel sets the global log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the effective level for this logger: its component's
// override if one is set, otherwise the global level.
func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.effectiveLevel()
}

func (l *Logger) effectiveLevel() Level {
	if l.component != "" {
		if lvl, ok := l.componentLvl[l.component]; ok {
			return lvl
		}
	}
	return l.level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.effectiveLevel()
}

func (l *Logger) log(level Level, msg string, extra ...Field) {
	if !l.enabled(level) {
		return
	}

	args := make([]any, 0, 2*(len(l.fields)+len(extra)))
	for _, f := range l.fields {
		args = append(args, f.Key, f.Value)
	}
	for _, f := range extra {
		args = append(args, f.Key, f.Value)
	}

	if l.includeStack && level == ERROR {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		args = append(args, "stack", string(buf[:n]))
	}

	l.base.Log(context.Background(), level.slogLevel(), msg, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, fields ...Field) { l.log(INFO, msg, fields...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, fields ...Field) { l.log(WARN, msg, fields...) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, fmt.Sprintf(format, args...)) }

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(INFO, fmt.Sprintf(format, args...)) }

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(WARN, fmt.Sprintf(format, args...)) }

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, fmt.Sprintf(format, args...)) }

// Close releases any file handle held by an underlying log rotator.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes a rotating output file to disk.
func (l *Logger) Sync() error {
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

// nop is a Logger that discards everything, useful as a default when a
// caller hasn't configured one.
var nop = mustNop()

func mustNop() *Logger {
	l, err := New(&Config{Level: ERROR + 1, Output: io.Discard})
	if err != nil {
		panic(err)
	}
	return l
}

// Nop returns a Logger that discards all output.
func Nop() *Logger { return nop }
