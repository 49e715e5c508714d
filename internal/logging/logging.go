// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger from the configured level and output format.
// Unknown levels fall back to info.
func New(level, output string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if output == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}
