package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InjectIntoMetadata writes the current trace context into broker message
// metadata, for producers that forward messages onward.
func InjectIntoMetadata(ctx context.Context, md map[string]string) {
	if !Enabled() || md == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(md))
}

// ExtractFromMetadata resumes a trace from broker message metadata. Bridges
// call this before opening the consume span so that the producer-side trace
// continues across the broker hop.
func ExtractFromMetadata(ctx context.Context, md map[string]string) context.Context {
	if md == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(md))
}

// TraceID returns the trace id from ctx, or "" when absent.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
