// Package logger configures the process-wide structured logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Default is the process-wide logger. Components derive their own
// sub-logger from it via Component().
var Default = New()

// New builds a logger. Output is a human-readable console writer unless
// LOG_FORMAT=json is set, in which case it writes newline-delimited JSON.
func New() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if os.Getenv("LOG_FORMAT") == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	return zerolog.New(console).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with a "component" field, the
// convention every subsystem in this repo uses to scope its log lines.
func Component(name string) zerolog.Logger {
	return Default.With().Str("component", name).Logger()
}
