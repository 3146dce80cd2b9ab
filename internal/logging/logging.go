// Package logging builds the structured zerolog logger shared by every
// component in the runtime, grounded on the teacher's
// internal/single/monitoring.NewLogger shape (Loki-friendly JSON by default,
// pretty console output for local development, timestamp+service fields).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the log sink's rendering.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures the global logger.
type Config struct {
	Level   string // debug, info, warn, error
	Format  Format
	Service string

	// File, when non-empty, rotates JSON logs through lumberjack instead of
	// (or in addition to, when Stdout is true) writing to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Stdout     bool
}

func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Service == "" {
		c.Service = "vsoad"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 28
	}
}

// New builds a zerolog.Logger per cfg. Also sets the package-global level so
// that every derived logger (via .With()) respects it.
func New(cfg Config) zerolog.Logger {
	cfg.setDefaults()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	if cfg.Stdout || cfg.File == "" {
		if cfg.Format == FormatPretty {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, os.Stdout)
		}
	}

	var out io.Writer
	switch len(writers) {
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
}
