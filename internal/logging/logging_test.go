package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/me/docket/internal/config"
)

func TestNewLoggerWithWriter(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=started", "component=docket", "run_id=r1"}},
		{"json", []string{`"msg":"started"`, `"component":"docket"`, `"run_id":"r1"`}},
		{"JSON", []string{`"msg":"started"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf)
			logger.With("component", "docket").Info("started", "run_id", "r1")
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output %q missing %q", buf.String(), want)
				}
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn missing: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"warn+2", slog.LevelWarn + 2},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	var buf bytes.Buffer
	logger, err := FromConfig(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	logger.Debug("tick")
	if !strings.Contains(buf.String(), `"level":"DEBUG"`) {
		t.Errorf("output = %s", buf.String())
	}

	if _, err := FromConfig(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := FromConfig(config.LogConfig{Format: "xml"}, &buf); err == nil {
		t.Error("expected error for bad format")
	}
}
