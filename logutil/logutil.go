// Package logutil builds the process-wide slog.Logger, following the
// call shape server/routes.go uses at startup
// (slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))).
package logutil

import (
	"io"
	"log/slog"
)

// NewLogger builds a slog.Logger writing text-formatted records to w at
// the given level, with source location attached at Debug and below.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}))
}

// SetDefault builds a logger via NewLogger and installs it as slog's
// package-wide default, so every `slog.Info`/`slog.Warn` call elsewhere
// in the orchestrator picks up the configured level and writer.
func SetDefault(w io.Writer, level slog.Level) {
	slog.SetDefault(NewLogger(w, level))
}

// Default returns slog's current default logger, so callers that want to
// log a one-off startup line don't need their own "log/slog" import just
// for slog.Default().
func Default() *slog.Logger {
	return slog.Default()
}
