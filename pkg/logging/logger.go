// Package logging configures zerolog for the service.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
}

// NewLogger builds a logger writing to out. Pretty selects the human console
// format; otherwise one JSON object is written per event.
func NewLogger(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "darkwing").Logger()
}

// SetupLogger configures the global zerolog logger and returns it.
func SetupLogger(cfg Config) zerolog.Logger {
	logger := NewLogger(cfg, os.Stdout)
	log.Logger = logger
	return logger
}
