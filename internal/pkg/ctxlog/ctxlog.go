// Package ctxlog carries a request or job scoped logger in a context.
package ctxlog

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// FromContext returns the logger stored in ctx, or slog.Default(). When ctx
// carries a valid span, its trace and span ids are attached.
func FromContext(ctx context.Context) *slog.Logger {
	logger := stored(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		logger = logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return logger
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// With returns a context whose logger also carries args.
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, stored(ctx).With(args...))
}

func stored(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
