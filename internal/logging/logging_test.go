package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewVerbose(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "error", false).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug suppressed at error level, got %q", buf.String())
	}

	New(&buf, "error", true).Debug("shown", "frame", 3)
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected debug output with verbose, got %q", buf.String())
	}
}
