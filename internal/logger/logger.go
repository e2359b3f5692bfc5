package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger defines a standard interface for logging.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// ZerologLogger is a wrapper around a zerolog logger.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewLogger creates a new JSON logger writing to stdout at the specified level.
func NewLogger(level string) Logger {
	return NewWriterLogger(os.Stdout, level, false)
}

// NewConsoleLogger creates a human-readable logger, intended for interactive use.
func NewConsoleLogger(level string) Logger {
	return NewWriterLogger(os.Stderr, level, true)
}

// NewWriterLogger creates a logger writing to w. When pretty is set the output
// uses zerolog's console format instead of JSON lines.
func NewWriterLogger(w io.Writer, level string, pretty bool) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return &ZerologLogger{
		log: zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
	}
}

// Debugf logs a message at the debug level.
func (l *ZerologLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Msgf(format, v...)
}

// Infof logs a message at the info level.
func (l *ZerologLogger) Infof(format string, v ...interface{}) {
	l.log.Info().Msgf(format, v...)
}

// Warnf logs a message at the warn level.
func (l *ZerologLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Msgf(format, v...)
}

// Errorf logs a message at the error level.
func (l *ZerologLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Msgf(format, v...)
}

// Nop returns a logger that discards everything. Useful as a default and in tests.
func Nop() Logger {
	return &ZerologLogger{log: zerolog.Nop()}
}
