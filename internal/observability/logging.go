package observability

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Logger is the structured logger handed to every gateway component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Named(name string) Logger
	WithContext(ctx context.Context) Logger
	Sync() error
}

// Field is a structured log field.
type Field = zap.Field

// Field constructors.
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Error    = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
)

// LogConfig selects level, encoding and destination.
type LogConfig struct {
	Level  string // debug, info, warn, error; empty means info
	Format string // json or console
	Output string // stdout or stderr
}

// DefaultLogConfig is JSON at info level on stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json", Output: "stdout"}
}

// zapLogger shares one AtomicLevel with every logger derived from it, so
// SetLevel on the root applies to all component loggers.
type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewLogger creates the process logger.
func NewLogger(cfg LogConfig) (Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(newEncoder(cfg.Format), newSink(cfg.Output), atomicLevel)

	return &zapLogger{
		z:     zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		level: atomicLevel,
	}, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func newSink(output string) zapcore.WriteSyncer {
	if output == "stderr" {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.Lock(os.Stdout)
}

// NewLoggerFromZap wraps an existing zap logger, typically a
// zaptest/observer core in tests.
func NewLoggerFromZap(z *zap.Logger) Logger {
	return &zapLogger{z: z, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// SetLevel changes the level of logger and every logger derived from it.
// Loggers not created by this package are left untouched.
func SetLevel(logger Logger, level string) error {
	zl, ok := logger.(*zapLogger)
	if !ok {
		return nil
	}
	l, err := parseLevel(level)
	if err != nil {
		return err
	}
	zl.level.SetLevel(l)
	return nil
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) Sync() error                       { return l.z.Sync() }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(fields...), level: l.level}
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{z: l.z.Named(name), level: l.level}
}

// WithContext adds the request ID, trace and span IDs, client IP and
// resolved service carried by ctx.
func (l *zapLogger) WithContext(ctx context.Context) Logger {
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

type contextKey int

const (
	requestIDKey contextKey = iota
	traceIDKey
	spanIDKey
)

func contextFields(ctx context.Context) []Field {
	var fields []Field
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, String(key, value))
		}
	}

	add("request_id", RequestIDFromContext(ctx))
	add("trace_id", TraceIDFromContext(ctx))
	add("span_id", SpanIDFromContext(ctx))
	add("client_ip", util.ClientIPFromContext(ctx))
	if meta := util.RequestMetaFromContext(ctx); meta != nil {
		add("service", meta.Service())
	}
	return fields
}

// ContextWithRequestID stores the request ID in ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// ContextWithTraceID stores the trace ID in ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace ID stored in ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

// ContextWithSpanID stores the span ID in ctx.
func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

// SpanIDFromContext returns the span ID stored in ctx, or "".
func SpanIDFromContext(ctx context.Context) string {
	return stringValue(ctx, spanIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

var globalLogger atomic.Pointer[Logger]

// SetGlobalLogger sets the process-wide logger; nil restores the no-op
// logger.
func SetGlobalLogger(logger Logger) {
	if logger == nil {
		globalLogger.Store(nil)
		return
	}
	globalLogger.Store(&logger)
}

// GetGlobalLogger returns the process-wide logger, or a no-op logger when
// none has been set.
func GetGlobalLogger() Logger {
	if l := globalLogger.Load(); l != nil {
		return *l
	}
	return NopLogger()
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return &zapLogger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}
