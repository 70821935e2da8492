package observability

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	correlationIDKey
)

// ContextWithLogger stores a logger in the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, lg)
}

// LoggerFromContext returns the context logger, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if lg, ok := ctx.Value(loggerKey).(*slog.Logger); ok && lg != nil {
		return lg
	}
	return slog.Default()
}

// ContextWithCorrelationID attaches the business-flow correlation id so
// downstream logs and outbox envelopes can carry it without replumbing.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, correlationIDKey, id)
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With(slog.String("correlation_id", id)))
}

// CorrelationIDFromContext returns the attached correlation id, if any.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
