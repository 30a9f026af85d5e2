package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a JSON structured logger on stdout with an explicit log level and makes it the default.
func NewLogger(level string) *slog.Logger {
	log := newLogger(os.Stdout, level)
	slog.SetDefault(log)
	return log
}

func newLogger(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	})
	return slog.New(h)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
