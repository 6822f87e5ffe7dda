package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name ("debug", "info", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// Field is a single structured key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Str returns a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Err returns an error field under the "error" key.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Component tags entries with the subsystem that produced them.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Entry represents a single log entry handed to a Formatter.
type Entry struct {
	Level     Level
	Message   string
	Fields    []Field
	Timestamp time.Time
}

// Formatter renders an Entry to bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Logger is the structured logging facade used across the codebase.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger that includes the given fields on every entry.
	With(fields ...Field) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// BaseLogger is the default Logger implementation writing formatted entries
// to a single io.Writer. It is safe for concurrent use.
type BaseLogger struct {
	mu        *sync.Mutex
	level     Level
	fields    []Field
	formatter Formatter
	out       io.Writer
}

// LoggerOption configures a BaseLogger.
type LoggerOption func(*BaseLogger)

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = level }
}

// WithFormatter sets the log formatter.
func WithFormatter(f Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = f }
}

// WithWriter sets the output writer.
func WithWriter(w io.Writer) LoggerOption {
	return func(l *BaseLogger) { l.out = w }
}

// NewLogger creates a new logger with the given options. Defaults: info level,
// text formatting, stderr output.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{
		mu:        &sync.Mutex{},
		level:     InfoLevel,
		formatter: &TextFormatter{},
		out:       os.Stderr,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Config selects level and format from external configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "text" or "json".
	Format string
}

// ApplyConfig builds a logger from a Config. Nil or zero-valued fields fall
// back to info level and text format.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		return NewLogger(), nil
	}
	opts := []LoggerOption{}
	if cfg.Level != "" {
		level, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLevel(level))
	}
	switch cfg.Format {
	case "", "text":
	case "json":
		opts = append(opts, WithFormatter(&JSONFormatter{}))
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	return NewLogger(opts...), nil
}

// Discard returns a logger that drops every entry. Useful in tests.
func Discard() Logger {
	return NewLogger(WithWriter(io.Discard), WithLevel(ErrorLevel+1))
}

// RedirectStdLog routes the standard library's global logger (used by
// Pebble, among others) through l at info level.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogWriter{l: l})
}

type stdLogWriter struct{ l Logger }

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    append(append([]Field(nil), l.fields...), fields...),
		Timestamp: time.Now(),
	}
	b, err := l.formatter.Format(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	_, _ = l.out.Write(b)
	l.mu.Unlock()
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }

func (l *BaseLogger) Info(msg string, fields ...Field) { l.log(InfoLevel, msg, fields) }

func (l *BaseLogger) Warn(msg string, fields ...Field) { l.log(WarnLevel, msg, fields) }

func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// With returns a child logger sharing the writer and level of its parent.
func (l *BaseLogger) With(fields ...Field) Logger {
	child := *l
	child.fields = append(append([]Field(nil), l.fields...), fields...)
	return &child
}

// SetLevel sets the minimum log level.
func (l *BaseLogger) SetLevel(level Level) { l.level = level }

// GetLevel returns the current minimum log level.
func (l *BaseLogger) GetLevel() Level { return l.level }
