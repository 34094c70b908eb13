// Package utils holds small helpers shared across the daemon that don't
// belong to any one provider or layer.
package utils

import (
	"log/slog"
	"os"
)

// LogConfig configures the daemon's structured logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Empty means "info".
	Level string
	// JSON selects slog.JSONHandler over slog.TextHandler.
	JSON bool
}

// NewSlogLogger builds the daemon's root logger. Providers derive a child
// logger from this via .With(...); the listener logs each handled request.
func NewSlogLogger(cfg LogConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
