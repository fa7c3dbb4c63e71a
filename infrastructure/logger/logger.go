package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger from config. Unknown levels fall back to
// info rather than failing startup.
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if pretty {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return l.Level(lvl)
}
