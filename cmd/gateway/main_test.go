package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		l := newLogger(&bytes.Buffer{}, tc.level)
		if !l.Enabled(context.Background(), tc.want) {
			t.Errorf("%q: level %v disabled", tc.level, tc.want)
		}
		if tc.want > slog.LevelDebug && l.Enabled(context.Background(), tc.want-4) {
			t.Errorf("%q: level below %v enabled", tc.level, tc.want)
		}
	}
}

func TestNewLogger_SourceOnlyInDebug(t *testing.T) {
	var debug, info bytes.Buffer
	newLogger(&debug, "debug").Info("x")
	newLogger(&info, "info").Info("x")

	if !strings.Contains(debug.String(), `"source"`) {
		t.Errorf("debug output lacks source: %s", debug.String())
	}
	if strings.Contains(info.String(), `"source"`) {
		t.Errorf("info output has source: %s", info.String())
	}
}
