package logger

import (
	"io"
	"log/slog"
	"os"
)

// NewDefaultLogger creates a new logger with color support for errors and warnings
// This is a convenience function for common use cases
func NewDefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewLogger creates a new logger with color support using a custom writer
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewFromConfig builds a logger from the config strings. Format "json" emits
// machine-readable records; anything else gets the colored console handler.
func NewFromConfig(level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: lvl,
		}))
	}
	return NewDefaultLogger(lvl)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
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
