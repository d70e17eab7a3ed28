package common

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel represents logging verbosity levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LogLevelError:
		return slog.LevelError
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// ParseLogLevel maps a config string onto a LogLevel. The empty string is info.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LogLevelError, true
	case "warn", "warning":
		return LogLevelWarn, true
	case "info", "":
		return LogLevelInfo, true
	case "debug":
		return LogLevelDebug, true
	default:
		return LogLevelInfo, false
	}
}

// Logger wraps slog with the context helpers used across stagebuild
type Logger struct {
	*slog.Logger
	level LogLevel
}

// NewLogger creates a text logger on stderr. Stdout is left to the report.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerTo(os.Stderr, level)
}

// NewLoggerTo creates a text logger writing to w
func NewLoggerTo(w io.Writer, level LogLevel) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level.ToSlogLevel()})
	return &Logger{Logger: slog.New(handler), level: level}
}

// NewJSONLogger creates a structured logger with JSON output
func NewJSONLogger(level LogLevel) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level.ToSlogLevel()})
	return &Logger{Logger: slog.New(handler), level: level}
}

// NewColorLogger creates a logger backed by ColorHandler. Colors are only
// emitted when stderr is a terminal unless forced with SetColorEnabled.
func NewColorLogger(level LogLevel) *Logger {
	handler := NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: level.ToSlogLevel()})
	return &Logger{Logger: slog.New(handler), level: level}
}

// Level returns the current log level
func (l *Logger) Level() LogLevel {
	return l.level
}

// WithComponent returns a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), level: l.level}
}

// WithStage returns a logger with stage context
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{Logger: l.Logger.With("stage", stage), level: l.level}
}

// WithStore returns a logger with manifest backend context
func (l *Logger) WithStore(storeType string) *Logger {
	return &Logger{Logger: l.Logger.With("store", storeType), level: l.level}
}

var defaultLogger = NewLogger(LogLevelInfo)

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}

// GetLogger returns the default logger
func GetLogger() *Logger {
	return defaultLogger
}

// LogError logs an error with context
func LogError(msg string, err error, attrs ...any) {
	var msgErr any
	if err != nil {
		msgErr = err.Error()
	}
	args := append([]any{"error", msgErr}, attrs...)
	defaultLogger.Error(msg, args...)
}

// LogInfo logs informational message
func LogInfo(msg string, attrs ...any) {
	defaultLogger.Info(msg, attrs...)
}

// LogDebug logs debug message
func LogDebug(msg string, attrs ...any) {
	defaultLogger.Debug(msg, attrs...)
}

// LogWarn logs warning message
func LogWarn(msg string, attrs ...any) {
	defaultLogger.Warn(msg, attrs...)
}
