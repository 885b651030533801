// Package logging provides slog setup helpers for dhcpwatch.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is shared by every logger Setup creates so SetLevel takes effect
// without rebuilding handlers.
var level = new(slog.LevelVar)

// Setup initializes the default slog logger with the given level and output.
func Setup(lvl string, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}

	level.Set(ParseLevel(lvl))

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of loggers created by Setup.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "trace", "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
