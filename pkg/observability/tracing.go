// Package observability provides the shared tracer. Without a configured
// SDK the provider is a no-op, so instrumentation is free in tests and in
// deployments that do not export traces.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stageflow/stageflow"

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span with optional attributes. Callers must End it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
