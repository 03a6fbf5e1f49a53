// Package logging builds the zerolog logger shared by every component of
// both node binaries, matching the teacher's NewLogger convention.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls level and output format.
type Config struct {
	Level   string
	Format  Format
	Service string
}

// New constructs a zerolog.Logger with a timestamp, caller info, and a
// "service" field identifying which binary produced the line.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "autopush"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// LogAppError logs err with its Kind and whether it is sentry-worthy,
// matching the connection node's policy of demoting non-sentry errors to a
// metric label rather than a paging event.
func LogAppError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	if kind, ok := apperror.KindOf(err); ok {
		event = event.Str("kind", string(kind)).Bool("sentry", kind.Sentry())
	}
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
