// Package telemetry defines the observability seams used across the sync
// runtime: structured logging, metrics, and tracing. Implementations wrap
// goa.design/clue and OpenTelemetry; no-op variants keep tests quiet.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with alternating key-value pairs.
	// Implementations must be safe for concurrent use.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key-value string pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the subset of span operations the runtime needs.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

type mergedContext struct {
	context.Context
	base context.Context
}

// MergeContext returns a context that uses ctx for cancellation and deadlines
// but falls back to base for values. Activity contexts are merged with the
// context that started the workflow so loggers keep their fields across the
// durable execution boundary.
func MergeContext(ctx, base context.Context) context.Context {
	if base == nil {
		return ctx
	}
	return &mergedContext{Context: ctx, base: base}
}

func (m *mergedContext) Value(key any) any {
	if v := m.Context.Value(key); v != nil {
		return v
	}
	return m.base.Value(key)
}
