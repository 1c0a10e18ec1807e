package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. Components derive their own instance
// with log.With().Str("component", name).Logger().
func New(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// NewConsole builds a human-readable logger for CLI use.
func NewConsole() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// Nop returns a logger that discards all output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
