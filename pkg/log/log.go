// Package log defines the logger used by the rpc packages and a zerolog
// backed implementation of it.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog wraps an existing zerolog logger.
func NewZerolog(logger zerolog.Logger) Logger {
	return &zerologLogger{logger: logger}
}

// NewConsole builds a human readable logger tagged with the app name.
func NewConsole(app string, level zerolog.Level, noColor bool) Logger {
	return NewConsoleWriter(os.Stdout, app, level, noColor)
}

func NewConsoleWriter(out io.Writer, app string, level zerolog.Level, noColor bool) Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
	return NewZerolog(logger)
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return NewZerolog(zerolog.Nop())
}

func (l *zerologLogger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *zerologLogger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *zerologLogger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *zerologLogger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// ParseLevel maps a config or environment string to a zerolog level. The
// second return is false when raw is empty or unrecognized.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
