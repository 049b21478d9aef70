// Package logger provides the shared slog constructor used across the
// application. Components derive their own scoped loggers from the root
// logger via With("component", ...).
package logger

import (
	"log/slog"
	"os"
)

// New returns a text-handler logger writing to stderr. When debug is true
// the handler emits Debug-level records and source positions.
func New(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	})
	return slog.New(handler)
}
