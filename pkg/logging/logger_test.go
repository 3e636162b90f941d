package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewDefaultsToInfo(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if l.Level() != INFO {
		t.Errorf("Level() = %v, want INFO", l.Level())
	}
}

func TestLevelsFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: INFO, Output: &buf, Format: FormatText})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message was logged when level is INFO")
	}

	buf.Reset()
	l.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("info message content not found in output")
	}

	buf.Reset()
	l.Warn("warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Error("warn message content not found in output")
	}

	buf.Reset()
	l.Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Error("error message content not found in output")
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: INFO, Output: &buf, Format: FormatText})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	derived := l.With(F("user_id", 123), F("action", "login"))
	derived.Info("user logged in")

	output := buf.String()
	if !strings.Contains(output, "user_id=123") {
		t.Error("user_id field not found in output")
	}
	if !strings.Contains(output, "action=login") {
		t.Error("action field not found in output")
	}
}

func TestComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: WARN, Output: &buf, Format: FormatText})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cache := l.WithComponent("cache")
	cache.Info("cache miss")
	if buf.Len() > 0 {
		t.Error("component-level entry logged below the global WARN level before an override was set")
	}

	l.SetComponentLevel("cache", DEBUG)
	buf.Reset()
	cache.Info("cache miss")
	if !strings.Contains(buf.String(), "cache miss") {
		t.Error("component override did not lower the effective level for the \"cache\" component")
	}

	buf.Reset()
	l.Info("unrelated message")
	if buf.Len() > 0 {
		t.Error("component override leaked into the logger that has no component tag")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: INFO, Output: &buf, Format: FormatJSON})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l.Info("hello", F("n", 1))
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("JSON output missing msg field: %s", buf.String())
	}
}

func TestIncludeStackOnError(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: INFO, Output: &buf, Format: FormatText, IncludeStack: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l.Error("boom")
	if !strings.Contains(buf.String(), "stack=") {
		t.Error("expected a stack trace field on an ERROR entry when IncludeStack is set")
	}

	buf.Reset()
	l.Warn("not an error")
	if strings.Contains(buf.String(), "stack=") {
		t.Error("stack trace should only be captured for ERROR entries")
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	n := Nop()
	n.Error("should not panic or be observable")
}
