package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, "warn")

	slog.Info("should not appear")
	slog.Warn("should appear", "key", "value")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info log leaked through warn level filter: %q", out)
	}
	if !strings.Contains(out, "should appear") || !strings.Contains(out, "key=value") {
		t.Fatalf("expected warn line with attrs, got %q", out)
	}
}
