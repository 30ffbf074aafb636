// Package logger provides structured logging with context support.
package logger

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.SugaredLogger with context-aware logging.
type Logger struct {
	*zap.SugaredLogger
}

type loggerKey struct{}

// Config holds logger configuration.
type Config struct {
	Level       string // debug, info, warn, error
	Development bool
	// Encoding is "json" or "console". Empty means console in development, json otherwise.
	Encoding    string
	OutputPaths []string
}

func (c Config) zap() zap.Config {
	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if c.Encoding != "" {
		zcfg.Encoding = c.Encoding
	}

	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if len(c.OutputPaths) > 0 {
		zcfg.OutputPaths = c.OutputPaths
	}
	return zcfg
}

// New builds a Logger. An unknown level falls back to info.
func New(cfg Config) (*Logger, error) {
	z, err := cfg.zap().Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{z.Sugar()}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

var defaultLogger = sync.OnceValue(func() *Logger {
	l, err := New(Config{Level: "info", OutputPaths: []string{"stdout"}})
	if err != nil {
		return NewNop()
	}
	return l
})

// Default returns the process-wide logger used when a context carries none.
func Default() *Logger { return defaultLogger() }

// WithContext adds the active span's trace and span ids.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{l.SugaredLogger.With(keysAndValues...)}
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger of ctx, or Default, enriched with span ids.
func FromContext(ctx context.Context) *Logger {
	l, ok := ctx.Value(loggerKey{}).(*Logger)
	if !ok {
		l = Default()
	}
	return l.WithContext(ctx)
}

func logAt(ctx context.Context, level zapcore.Level, msg string, keysAndValues []any) {
	FromContext(ctx).WithOptions(zap.AddCallerSkip(2)).Logw(level, msg, keysAndValues...)
}

func Debug(ctx context.Context, msg string, keysAndValues ...any) {
	logAt(ctx, zapcore.DebugLevel, msg, keysAndValues)
}

func Info(ctx context.Context, msg string, keysAndValues ...any) {
	logAt(ctx, zapcore.InfoLevel, msg, keysAndValues)
}

func Warn(ctx context.Context, msg string, keysAndValues ...any) {
	logAt(ctx, zapcore.WarnLevel, msg, keysAndValues)
}

func Error(ctx context.Context, msg string, keysAndValues ...any) {
	logAt(ctx, zapcore.ErrorLevel, msg, keysAndValues)
}
