package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
	NoColor    bool   `mapstructure:"no_color"`
}

// Fields are attached to every record emitted by the process.
type Fields struct {
	App         string
	Environment string
}

// NewLogger builds the process logger. Records go to stderr; stdout carries
// command output such as event tables.
func NewLogger(cfg Config, fields Fields) zerolog.Logger {
	return newLogger(cfg, fields, os.Stderr)
}

func newLogger(cfg Config, fields Fields, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	builder := zerolog.New(logWriter(cfg, out)).Level(level).With().Timestamp()
	if fields.App != "" {
		builder = builder.Str("app", fields.App)
	}
	if fields.Environment != "" {
		builder = builder.Str("env", fields.Environment)
	}
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}
