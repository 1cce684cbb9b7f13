// Package logging provides the structured logger used across the batch engine.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to a LogLevel.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) option() level.Option {
	switch l {
	case DEBUG:
		return level.AllowDebug()
	case WARN:
		return level.AllowWarn()
	case ERROR:
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Helper functions for creating fields
func String(key, val string) Field          { return Field{Key: key, Value: val} }
func Int(key string, val int) Field         { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field     { return Field{Key: key, Value: val} }
func Uint32(key string, val uint32) Field   { return Field{Key: key, Value: val} }
func Float64(key string, val float64) Field { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field       { return Field{Key: key, Value: val} }
func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Value: val.String()}
}
func Error(key string, err error) Field {
	if err == nil {
		return Field{Key: key, Value: nil}
	}
	return Field{Key: key, Value: err.Error()}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// Format selects the line encoding.
type Format string

const (
	FormatLogfmt Format = "logfmt"
	FormatJSON   Format = "json"
)

// kitLogger implements Logger on top of go-kit/log.
type kitLogger struct {
	logger log.Logger
}

// NewLogger creates a leveled logger writing format lines to output.
func NewLogger(lvl string, format Format, output io.Writer) Logger {
	if output == nil {
		output = os.Stderr
	}
	w := log.NewSyncWriter(output)

	var base log.Logger
	if format == FormatJSON {
		base = log.NewJSONLogger(w)
	} else {
		base = log.NewLogfmtLogger(w)
	}
	base = log.With(base, "ts", log.DefaultTimestampUTC)
	base = level.NewFilter(base, ParseLogLevel(lvl).option())

	return &kitLogger{logger: base}
}

// NewDefaultLogger creates a logfmt logger with INFO level writing to stderr.
func NewDefaultLogger() Logger {
	return NewLogger("INFO", FormatLogfmt, os.Stderr)
}

// FromKit wraps an existing go-kit logger.
func FromKit(l log.Logger) Logger {
	return &kitLogger{logger: l}
}

func (l *kitLogger) Debug(msg string, fields ...Field) {
	l.log(level.Debug(l.logger), msg, fields)
}

func (l *kitLogger) Info(msg string, fields ...Field) {
	l.log(level.Info(l.logger), msg, fields)
}

func (l *kitLogger) Warn(msg string, fields ...Field) {
	l.log(level.Warn(l.logger), msg, fields)
}

func (l *kitLogger) Error(msg string, fields ...Field) {
	l.log(level.Error(l.logger), msg, fields)
}

func (l *kitLogger) WithFields(fields ...Field) Logger {
	return &kitLogger{logger: log.With(l.logger, keyvals(fields)...)}
}

func (l *kitLogger) log(logger log.Logger, msg string, fields []Field) {
	kv := make([]interface{}, 0, 2+2*len(fields))
	kv = append(kv, "msg", msg)
	kv = append(kv, keyvals(fields)...)
	_ = logger.Log(kv...)
}

func keyvals(fields []Field) []interface{} {
	fields = redactSensitiveFields(fields)
	kv := make([]interface{}, 0, 2*len(fields))
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

// redactSensitiveFields masks values for sensitive keys.
func redactSensitiveFields(fields []Field) []Field {
	sensitiveKeys := map[string]bool{
		"password":      true,
		"token":         true,
		"secret":        true,
		"authorization": true,
		"api_key":       true,
		"apikey":        true,
		"auth":          true,
	}

	result := make([]Field, len(fields))
	for i, field := range fields {
		key := strings.ToLower(field.Key)
		if sensitiveKeys[key] {
			result[i] = Field{Key: field.Key, Value: "[REDACTED]"}
		} else {
			result[i] = field
		}
	}

	return result
}

// noopLogger implements Logger but does nothing.
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...Field) {}
func (n *noopLogger) Info(msg string, fields ...Field)  {}
func (n *noopLogger) Warn(msg string, fields ...Field)  {}
func (n *noopLogger) Error(msg string, fields ...Field) {}
func (n *noopLogger) WithFields(fields ...Field) Logger { return n }

// NewNoopLogger creates a logger that discards all output.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

// OrNoop returns l, or a no-op logger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NewNoopLogger()
	}
	return l
}
