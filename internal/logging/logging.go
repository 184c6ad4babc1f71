// Package logging builds the slog loggers used by the command-line tools.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// New returns a slog.Logger writing to w at the provided level (debug, info,
// warn, error). format may be "json" or "text".
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (must be text or json)", format)
	}
	return slog.New(handler), nil
}

// ParseLevel maps a level name onto a slog.Level. The empty string is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// LogStageDone logs the completion of a processing stage with its duration
func LogStageDone(logger *slog.Logger, stage string, start time.Time, attrs ...any) {
	args := append([]any{"stage", stage, "duration_ms", time.Since(start).Milliseconds()}, attrs...)
	logger.Info("stage completed", args...)
}
