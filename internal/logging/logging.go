// Package logging builds the zerolog loggers used by the daemon and by
// each supervised service.
//
// The daemon log goes to stderr as JSON or console output. Every service
// (and the resident manager) gets its own rotating file with one line per
// entry:
//
//	2024-01-01 02:30:00 | INFO | Started with PID 4242
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config holds daemon logging configuration.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error, fatal, panic.
	// Default: info
	Level string
	// Format is json or console. Default: console
	Format string
	// Output defaults to os.Stderr
	Output io.Writer
	// Tee, when set, also receives every entry in line format
	Tee io.Writer
}

// New returns the daemon logger described by cfg.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	if cfg.Tee != nil {
		out = zerolog.MultiLevelWriter(out, LineWriter(cfg.Tee))
	}
	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal", "critical":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// LineWriter formats entries as "time | LEVEL | message key=value...".
func LineWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: time.DateTime,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"service"},
		FormatLevel: func(i any) string {
			lvl, _ := i.(string)
			if lvl == "" {
				lvl = "info"
			}
			return fmt.Sprintf("| %-5s |", strings.ToUpper(lvl))
		},
	}
}
