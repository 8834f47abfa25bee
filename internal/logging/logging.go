// Package logging builds the process-wide zerolog root logger.
// Components derive their own loggers from it with With().
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger for a process. Development environments get
// a colorized console writer; anything else logs JSON to stderr.
func New(environment, service string, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", service).Logger()
}
