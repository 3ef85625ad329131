// Package logging provides structured logging for slurmssh using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. It discards everything until Init is called,
// so the ssh and slurm packages stay quiet when used as a library.
var Logger = zerolog.Nop()

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error, off).
	Level string

	// Format is "console" or "json".
	Format string

	// Output defaults to stderr.
	Output io.Writer

	EnableCaller bool

	// NoColor disables ANSI colors in console output, for log files and pipes.
	NoColor bool
}

// Init replaces Logger according to cfg.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: cfg.NoColor}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	Logger = ctx.Logger()
}

// parseLevel maps a config level to zerolog, falling back to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return zerolog.WarnLevel
	case "off":
		return zerolog.Disabled
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Component creates a logger with a component field.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithHost creates a logger scoped to a remote host.
func WithHost(host string) zerolog.Logger {
	return Logger.With().Str("component", "ssh").Str("host", host).Logger()
}

// WithJob adds the Slurm job id to logger.
func WithJob(logger zerolog.Logger, jobID string) zerolog.Logger {
	return logger.With().Str("job_id", jobID).Logger()
}
