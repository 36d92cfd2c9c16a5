package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultLoggerPrefixesAndFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("page merged", "list", "default", "inserted", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug record to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[relaylist] page merged") {
		t.Fatalf("expected prefixed message, got %q", out)
	}
	if !strings.Contains(out, "inserted=2") {
		t.Fatalf("expected structured attribute, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	OrNop(nil).Error("must not panic")
	var buf bytes.Buffer
	l := NewLogger(&buf, slog.LevelDebug)
	if OrNop(l) != Logger(l) {
		t.Fatalf("expected OrNop to return the given logger")
	}
}
