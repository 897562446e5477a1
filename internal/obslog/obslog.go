// Package obslog provides the process's ambient structured logger, separate
// from the cascade Logger (internal/logging) which writes append-only rows
// to the persistent store. This one is for operational diagnostics: queue
// drop warnings, writer errors, provider connection failures.
package obslog

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger for the process. Call once at
// startup; safe to call again to reconfigure (e.g. in tests).
func Init(level string, pretty bool) {
	zerolog.SetGlobalLevel(parseLevel(level))

	if pretty && isatty.IsTerminal(os.Stdout.Fd()) {
		out := colorable.NewColorableStdout()
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// L returns the global logger, scoped with a component field.
func L(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
