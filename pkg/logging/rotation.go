package logging

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/objectfs/pkg/errors"
)

// RotationConfig configures size/age-based rotation of a log file.
type RotationConfig struct {
	// Filename is the file to write logs to.
	Filename string

	// MaxSize is the maximum size in megabytes before rotation (0 = no size limit).
	MaxSize int64

	// MaxAge is the maximum age in days before rotation (0 = no age limit).
	MaxAge int

	// MaxBackups is the maximum number of old log files to retain (0 = retain all).
	MaxBackups int

	// Compress gzips rotated log files.
	Compress bool

	// LocalTime uses local time (rather than UTC) for backup timestamps.
	LocalTime bool

	// ErrSink receives errors from background steps of a rotation
	// (compression, backup cleanup) that don't fail the rotation itself.
	// Defaults to os.Stderr. Must not be the Rotator's own Logger: rotate()
	// runs under the Rotator's lock, and routing back through a Logger
	// whose output is this same Rotator would deadlock on Write.
	ErrSink io.Writer
}

// RotationStats is a point-in-time snapshot of a Rotator's activity,
// exposed so callers (and tests) can assert rotation actually happened
// without inspecting the log directory themselves.
type RotationStats struct {
	CurrentSize    int64
	RotationCount  int
	LastRotation   time.Time
	BackupsRemoved int
}

// Rotator is an io.Writer that rotates the underlying file by size or age.
type Rotator struct {
	mu sync.Mutex

	config   *RotationConfig
	errSink  io.Writer
	file     *os.File
	size     int64
	openTime time.Time

	rotations      int
	lastRotation   time.Time
	backupsRemoved int
}

// NewRotator opens config.Filename for append, creating its directory if needed.
func NewRotator(config *RotationConfig) (*Rotator, error) {
	if config == nil {
		return nil, errors.NewInvalidArgument("rotation config is required").WithComponent("logging")
	}
	if config.Filename == "" {
		return nil, errors.NewInvalidArgument("rotation filename is required").WithComponent("logging")
	}

	errSink := config.ErrSink
	if errSink == nil {
		errSink = os.Stderr
	}

	r := &Rotator{config: config, errSink: errSink}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write implements io.Writer, rotating the file first if needed.
func (r *Rotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	writeLen := int64(len(p))
	if r.shouldRotate(writeLen) {
		if err := r.rotate(); err != nil {
			return 0, errors.NewInternal("rotate log %q: %v", r.config.Filename, err).WithComponent("logging")
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current log file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the log file to disk.
func (r *Rotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// ForceRotate rotates the log file immediately, regardless of size/age.
func (r *Rotator) ForceRotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

// Stats returns a snapshot of this Rotator's activity since construction.
func (r *Rotator) Stats() RotationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RotationStats{
		CurrentSize:    r.size,
		RotationCount:  r.rotations,
		LastRotation:   r.lastRotation,
		BackupsRemoved: r.backupsRemoved,
	}
}

func (r *Rotator) shouldRotate(writeSize int64) bool {
	if r.config.MaxSize > 0 {
		maxBytes := r.config.MaxSize * 1024 * 1024
		if r.size+writeSize >= maxBytes {
			return true
		}
	}
	if r.config.MaxAge > 0 {
		maxAge := time.Duration(r.config.MaxAge) * 24 * time.Hour
		if time.Since(r.openTime) >= maxAge {
			return true
		}
	}
	return false
}

// rotate closes the current file, renames it to a timestamped backup,
// optionally compresses and prunes old backups, then reopens the
// original filename fresh. Compression and pruning failures are reported
// to errSink rather than failing the rotation: the old log has already
// been renamed to its backup by the time either runs, and the original
// filename is reopened after them.
func (r *Rotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return errors.NewInternal("close current log file: %v", err).WithComponent("logging")
		}
		r.file = nil
	}

	backupName := r.backupFilename(r.backupTimestamp())
	if err := os.Rename(r.config.Filename, backupName); err != nil {
		if !os.IsNotExist(err) {
			return errors.NewInternal("rename log file: %v", err).WithComponent("logging")
		}
	}

	if r.config.Compress {
		if err := r.compressFile(backupName); err != nil {
			r.reportErr("compress %s: %v", backupName, err)
		}
	}

	if err := r.cleanupOldBackups(); err != nil {
		r.reportErr("clean up old backups: %v", err)
	}

	r.rotations++
	r.lastRotation = r.backupTimestamp()
	return r.openFile()
}

func (r *Rotator) reportErr(format string, args ...interface{}) {
	if r.errSink == nil {
		return
	}
	fmtErr := errors.NewInternal(format, args...).WithComponent("logging")
	_, _ = io.WriteString(r.errSink, "logging: "+fmtErr.Error()+"\n")
}

func (r *Rotator) openFile() error {
	dir := filepath.Dir(r.config.Filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewInternal("create log directory: %v", err).WithComponent("logging")
	}

	file, err := os.OpenFile(r.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.NewInternal("open log file: %v", err).WithComponent("logging")
	}

	r.file = file
	r.openTime = time.Now()

	info, err := file.Stat()
	if err != nil {
		return errors.NewInternal("stat log file: %v", err).WithComponent("logging")
	}
	r.size = info.Size()
	return nil
}

func (r *Rotator) backupTimestamp() time.Time {
	if r.config.LocalTime {
		return time.Now()
	}
	return time.Now().UTC()
}

func (r *Rotator) backupFilename(timestamp time.Time) string {
	dir := filepath.Dir(r.config.Filename)
	filename := filepath.Base(r.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]
	return filepath.Join(dir, prefix+"-"+timestamp.Format("2006-01-02T15-04-05")+ext)
}

func (r *Rotator) compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

// candidateBackups names the backups cleanupOldBackups should remove:
// those beyond MaxBackups (oldest first) unioned with those older than
// MaxAge, deduplicated so a file matching both rules is only removed once.
func (r *Rotator) candidateBackups(backups []os.FileInfo) []string {
	marked := make(map[string]struct{})
	var toDelete []string
	mark := func(name string) {
		if _, ok := marked[name]; ok {
			return
		}
		marked[name] = struct{}{}
		toDelete = append(toDelete, name)
	}

	if r.config.MaxBackups > 0 && len(backups) > r.config.MaxBackups {
		excess := len(backups) - r.config.MaxBackups
		for _, b := range backups[:excess] {
			mark(b.Name())
		}
	}
	if r.config.MaxAge > 0 {
		cutoff := time.Now().Add(-time.Duration(r.config.MaxAge) * 24 * time.Hour)
		for _, b := range backups {
			if b.ModTime().Before(cutoff) {
				mark(b.Name())
			}
		}
	}
	return toDelete
}

func (r *Rotator) cleanupOldBackups() error {
	backups, err := r.getBackupFiles()
	if err != nil {
		return err
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime().Before(backups[j].ModTime())
	})

	for _, filename := range r.candidateBackups(backups) {
		fullPath := filepath.Join(filepath.Dir(r.config.Filename), filename)
		if err := os.Remove(fullPath); err != nil {
			r.reportErr("remove old backup %s: %v", fullPath, err)
			continue
		}
		r.backupsRemoved++
	}
	return nil
}

func (r *Rotator) getBackupFiles() ([]os.FileInfo, error) {
	dir := filepath.Dir(r.config.Filename)
	filename := filepath.Base(r.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []os.FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if name == filename {
			continue
		}
		if strings.HasPrefix(name, prefix+"-") && (strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz")) {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			backups = append(backups, info)
		}
	}
	return backups, nil
}
