// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var defaultLogger *zerolog.Logger

// Init initializes the default logger with the specified level and format.
// Format "text" writes human-readable console lines, anything else writes JSON.
func Init(level string, format string) {
	InitWithWriter(level, format, os.Stderr)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(level string, format string, out io.Writer) {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		l = zerolog.InfoLevel
	}

	if strings.ToLower(format) == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.000"}
	}

	zl := zerolog.New(out).Level(l).With().Timestamp().Logger()
	defaultLogger = &zl
}

// With returns a child logger carrying the given fields, for call sites that
// want structured context instead of printf formatting.
func With(fields map[string]any) zerolog.Logger {
	if defaultLogger == nil {
		return zerolog.Nop()
	}
	return defaultLogger.With().Fields(fields).Logger()
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger != nil {
		defaultLogger.WithLevel(zerolog.FatalLevel).Msg(msg)
	} else {
		fmt.Fprintln(os.Stderr, "[FATAL] "+msg)
	}
	os.Exit(1)
}
