package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps a level name to a slog.Level. Unknown names yield Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// NewHandler builds the process root handler wrapped in a CorrelationHandler.
// Text output goes through tint, with colors only when w is a terminal.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	var inner slog.Handler
	if format == FormatJSON {
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		inner = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(w),
		})
	}
	return NewCorrelationHandler(inner)
}

// NewLogger is slog.New(NewHandler(...)).
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	return slog.New(NewHandler(w, format, level))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
