// Package logging builds the slog loggers used by the docket binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/docket/internal/config"
)

// NewLogger returns a logger writing to stderr. Stdout is left to
// command output.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a text or json logger writing to w.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// FromConfig builds the daemon logger from the log section of the config.
func FromConfig(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevelStrict(cfg.Level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text", "json":
	default:
		return nil, fmt.Errorf("log format %q: want text or json", cfg.Format)
	}
	return NewLoggerWithWriter(level, cfg.Format, w), nil
}

// ParseLevel converts a level name to slog.Level, falling back to info.
func ParseLevel(s string) slog.Level {
	level, err := ParseLevelStrict(s)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevelStrict converts a level name such as "debug" or "warn+2" to
// slog.Level. "warning" is accepted as an alias for warn. Empty is info.
func ParseLevelStrict(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
