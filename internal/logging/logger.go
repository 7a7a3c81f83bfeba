// Package logging builds the process-wide zerolog root logger.
//
// Components derive their own loggers with
// logger.With().Str("component", "...").Logger() so every line carries
// its origin.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger output.
type Config struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// DefaultConfig returns production defaults (info level, JSON output).
func DefaultConfig() Config {
	return Config{Level: "info", Pretty: false}
}

// New constructs the root logger from config.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
