// Package logging wraps log/slog with the trace-ID propagation and
// component-scoped child loggers the supervisor's subsystems share.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// Config controls handler selection and verbosity.
type Config struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

type traceIDKey struct{}

var traceIDCounter atomic.Uint64

// Logger wraps slog.Logger with trace ID propagation.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// New creates a Logger using the given configuration.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler), traceEnabled: cfg.TraceEnabled}
}

// WithTraceID attaches a freshly generated trace ID to ctx.
func WithTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceIDCounter.Add(1))
}

// TraceID retrieves the trace ID stashed on ctx, if any.
func TraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

func (l *Logger) withTrace(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if id, ok := TraceID(ctx); ok {
			return append([]any{"trace_id", id}, args...)
		}
	}
	return args
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.withTrace(ctx, args)...)
}

// WithWorker returns a child logger scoped to one worker name.
func (l *Logger) WithWorker(name string) *Logger {
	return &Logger{Logger: l.Logger.With("worker", name), traceEnabled: l.traceEnabled}
}

// WithTarget returns a child logger scoped to a routing target.
func (l *Logger) WithTarget(name string) *Logger {
	return &Logger{Logger: l.Logger.With("target", name), traceEnabled: l.traceEnabled}
}

// WithPool returns a child logger scoped to the backend connection pool.
func (l *Logger) WithPool() *Logger {
	return &Logger{Logger: l.Logger.With("component", "backend_pool"), traceEnabled: l.traceEnabled}
}

// WithMethod returns a child logger scoped to an RPC method name.
func (l *Logger) WithMethod(method string) *Logger {
	return &Logger{Logger: l.Logger.With("method", method), traceEnabled: l.traceEnabled}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
