// Package logger is the gateway's leveled printf-style logger. Messages carry a
// "{package/file - Func}" prefix by convention and are rendered by zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the minimum severity a Logger emits.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "INFO"
	}
	return levelNames[l]
}

func (l LogLevel) sinkLevel() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel maps a level name to a LogLevel. Unknown names mean INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG", "TRACE":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR", "FATAL":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes leveled messages to a zerolog sink. The level and sink can be
// swapped while other goroutines are logging.
type Logger struct {
	level atomic.Int32
	sink  atomic.Pointer[zerolog.Logger]
}

// New creates a Logger at level writing human readable lines to stderr.
func New(level string) *Logger {
	return NewWithWriter(level, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// NewWithWriter creates a Logger at level writing JSON lines to w.
func NewWithWriter(level string, w io.Writer) *Logger {
	l := &Logger{}
	l.SetLevel(level)
	l.setWriter(w)
	return l
}

func (l *Logger) setWriter(w io.Writer) {
	sink := zerolog.New(w).With().Timestamp().Str("app", "macreplay").Logger()
	l.sink.Store(&sink)
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLogLevel(level)))
}

// GetLevel returns the current level name.
func (l *Logger) GetLevel() string {
	return LogLevel(l.level.Load()).String()
}

func (l *Logger) log(level LogLevel, format string, v []any) {
	if level < LogLevel(l.level.Load()) {
		return
	}
	l.sink.Load().WithLevel(level.sinkLevel()).Msg(fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...any) { l.log(DEBUG, format, v) }
func (l *Logger) Info(format string, v ...any)  { l.log(INFO, format, v) }
func (l *Logger) Warn(format string, v ...any)  { l.log(WARN, format, v) }
func (l *Logger) Error(format string, v ...any) { l.log(ERROR, format, v) }

var std = New("INFO")

// SetLogLevel sets the level of the package-level logger.
func SetLogLevel(level string) { std.SetLevel(level) }

// GetLogLevel returns the level of the package-level logger.
func GetLogLevel() string { return std.GetLevel() }

// SetOutput redirects the package-level logger, keeping its level.
func SetOutput(w io.Writer) { std.setWriter(w) }

func Debug(format string, v ...any) { std.log(DEBUG, format, v) }
func Info(format string, v ...any)  { std.log(INFO, format, v) }
func Warn(format string, v ...any)  { std.log(WARN, format, v) }
func Error(format string, v ...any) { std.log(ERROR, format, v) }
