// Package observability defines the telemetry ports the rest of the service
// depends on. Application and infrastructure code sees only these interfaces;
// the zap/prometheus/otel adapters live under infrastructure/observability
// and are wired once in main. Nop implementations keep every component
// constructible with nil telemetry, which the tests lean on.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Observability bundles the three telemetry concerns handed to constructors.
type Observability interface {
	Tracer() Tracer
	Logger() Logger
	Metrics() Metrics
}

// MetricKey names an instrument. Every key in use is declared in this
// package, and main registers each one with its label set; asking for an
// unregistered key yields a nop instrument rather than a panic.
type MetricKey string

type Metrics interface {
	Counter(name MetricKey) Counter
	Histogram(name MetricKey) Histogram
}

// Tracer starts spans. The otel types leak through on purpose: span
// attributes and context propagation have no useful lowest common
// denominator worth inventing.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

type Counter interface {
	Add(delta float64, labels ...Label)
	Bind(labels ...Label) BoundCounter
}

// BoundCounter has its labels pre-resolved for hot paths.
type BoundCounter interface {
	Add(delta float64)
}

type Histogram interface {
	Observe(value float64, labels ...Label)
	Bind(labels ...Label) BoundHistogram
}

type BoundHistogram interface {
	Observe(value float64)
}

// Label is a low-cardinality metric dimension.
type Label struct{ Key, Value string }

func L(k, v string) Label { return Label{Key: k, Value: v} }

// Field is a structured log attribute, mapped to zap fields by the adapter.
type Field struct {
	Key   string
	Value any
}

func F(k string, v any) Field { return Field{Key: k, Value: v} }

type Logger interface {
	With(fields ...Field) Logger
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}
