package logger

import (
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents logging level
type Level = zapcore.Level

const (
	DEBUG = zapcore.DebugLevel
	INFO  = zapcore.InfoLevel
	WARN  = zapcore.WarnLevel
	ERROR = zapcore.ErrorLevel
	FATAL = zapcore.FatalLevel
)

// Logger provides structured logging on top of zap
type Logger struct {
	z         *zap.Logger
	level     zap.AtomicLevel
	output    zapcore.WriteSyncer
	component string
	format    string // "text" or "json"
}

// Fields represents structured logging fields
type Fields map[string]interface{}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger
func Init(level, format string, component string) {
	once.Do(func() {
		defaultLogger = New(level, format, component)
	})
}

// New creates a new logger instance writing to stdout
func New(levelStr, format, component string) *Logger {
	return NewWithWriter(levelStr, format, component, os.Stdout)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(levelStr, format, component string, w io.Writer) *Logger {
	level := zap.NewAtomicLevelAt(parseLevel(levelStr))
	if format != "text" {
		format = "json"
	}

	l := &Logger{
		level:  level,
		output: zapcore.AddSync(w),
		format: format,
	}
	l.z = zap.New(zapcore.NewCore(newEncoder(format), l.output, level))
	return l.WithComponent(component)
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.NameKey = "component"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	if format == "text" {
		cfg.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + name + "]")
		}
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// WithComponent creates a new logger with a specific component name
func (l *Logger) WithComponent(component string) *Logger {
	base := l.z
	if l.component != "" {
		// zap names nest; rebuild from the root core so the name is replaced
		base = zap.New(l.z.Core())
	}
	named := base
	if component != "" {
		named = base.Named(component)
	}

	return &Logger{
		z:         named,
		level:     l.level,
		output:    l.output,
		component: component,
		format:    l.format,
	}
}

// With returns a logger that adds fields to every entry
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{
		z:         l.z.With(toZap(fields)...),
		level:     l.level,
		output:    l.output,
		component: l.component,
		format:    l.format,
	}
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

// Zap exposes the underlying zap logger for libraries that want one
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.z.Debug(msg, toZap(fields...)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) {
	l.z.Info(msg, toZap(fields...)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.z.Warn(msg, toZap(fields...)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Fields) {
	l.z.Error(msg, toZap(fields...)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.z.Fatal(msg, toZap(fields...)...)
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// SetLevel changes the level of this logger and every logger derived from it
func (l *Logger) SetLevel(levelStr string) {
	l.level.SetLevel(parseLevel(levelStr))
}

// parseLevel converts string to Level
func parseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// toZap flattens Fields into zap fields in key order
func toZap(fields ...Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	merged := Fields{}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := merged[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// Default logger convenience functions
func Debug(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, fields...)
	} else {
		log.Printf("[DEBUG] %s", msg)
	}
}

func Info(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, fields...)
	} else {
		log.Printf("[INFO] %s", msg)
	}
}

func Warn(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, fields...)
	} else {
		log.Printf("[WARN] %s", msg)
	}
}

func Error(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, fields...)
	} else {
		log.Printf("[ERROR] %s", msg)
	}
}

func Fatal(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Fatal(msg, fields...)
	} else {
		log.Fatalf("[FATAL] %s", msg)
	}
}

// GetDefault returns the default logger
func GetDefault() *Logger {
	return defaultLogger
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWithWriter("fatal", "json", "", io.Discard)
}
