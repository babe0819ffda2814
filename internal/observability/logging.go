package observability

import (
	"context"
	"log/slog"
)

// LogContext holds structured logging context information.
type LogContext struct {
	RunID    string
	Stage    string
	Revision string
}

type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithRunID adds a pipeline run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	lc := extractLogContext(ctx)
	lc.RunID = runID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithStage adds a stage name to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	lc := extractLogContext(ctx)
	lc.Stage = stage
	return context.WithValue(ctx, logContextKey, lc)
}

// WithRevision adds the revision under build to the context.
func WithRevision(ctx context.Context, revision string) context.Context {
	lc := extractLogContext(ctx)
	lc.Revision = revision
	return context.WithValue(ctx, logContextKey, lc)
}

func extractLogContext(ctx context.Context) LogContext {
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

func getLogAttrs(ctx context.Context) []slog.Attr {
	lc := extractLogContext(ctx)
	attrs := []slog.Attr{}

	if lc.RunID != "" {
		attrs = append(attrs, slog.String("run.id", lc.RunID))
	}
	if lc.Stage != "" {
		attrs = append(attrs, slog.String("stage", lc.Stage))
	}
	if lc.Revision != "" {
		attrs = append(attrs, slog.String("revision", lc.Revision))
	}

	return attrs
}

// Logger wraps a *slog.Logger and prefixes every record with the context's
// run attributes. A nil Logger writes to slog.Default().
type Logger struct {
	base *slog.Logger
}

// NewLogger returns a context-aware logger over base.
func NewLogger(base *slog.Logger) *Logger {
	return &Logger{base: base}
}

func (l *Logger) logger() *slog.Logger {
	if l == nil || l.base == nil {
		return slog.Default()
	}
	return l.base
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	logger := l.logger()
	if _, ok := logger.Handler().(*ContextHandler); !ok {
		attrs = append(getLogAttrs(ctx), attrs...)
	}
	logger.LogAttrs(ctx, level, msg, attrs...)
}

// InfoContext logs an info message with context information.
func (l *Logger) InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelInfo, msg, attrs)
}

// WarnContext logs a warning message with context information.
func (l *Logger) WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelWarn, msg, attrs)
}

// ErrorContext logs an error message with context information.
func (l *Logger) ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelError, msg, attrs)
}

// DebugContext logs a debug message with context information.
func (l *Logger) DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelDebug, msg, attrs)
}

// GetContext returns the structured log context from the provided context.
func GetContext(ctx context.Context) LogContext {
	return extractLogContext(ctx)
}
