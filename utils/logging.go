package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a component-scoped slog logger writing to w.
// Level accepts "debug", "info", "warn" or "error"; anything else means info.
func NewLogger(w io.Writer, level, component string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}
