// Package logging builds the slog.Logger used across every coldpot
// component. Components never construct their own handler; they accept a
// *slog.Logger via a With<Thing>Logger option the way
// enricher.WithClickhouseLogger does, and main.go is the only place that
// decides the handler.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Format selects the slog.Handler used at the process entrypoint.
type Format string

const (
	// FormatConsole renders colorized, human-readable lines via tint.
	// The default: coldpot's batch jobs are run interactively far more
	// often than the teacher's long-lived services.
	FormatConsole Format = "console"
	// FormatJSON renders structured JSON lines for log aggregation.
	FormatJSON Format = "json"
)

// New builds a *slog.Logger for the given format and level. level follows
// slog's string parsing ("debug", "info", "warn", "error").
func New(format Format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	default:
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
	}
}
