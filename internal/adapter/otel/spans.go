package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "advisorygate"

// StartSubmitSpan starts a span for request intake.
func StartSubmitSpan(ctx context.Context, correlationID, caller, reqType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "submit",
		trace.WithAttributes(
			attribute.String("request.correlation_id", correlationID),
			attribute.String("request.caller", caller),
			attribute.String("request.type", reqType),
		),
	)
}

// StartDispatchSpan starts a span for backend dispatch.
func StartDispatchSpan(ctx context.Context, correlationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("request.correlation_id", correlationID),
		),
	)
}

// StartResolveSpan starts a span for response resolution.
func StartResolveSpan(ctx context.Context, correlationID, source string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "resolve",
		trace.WithAttributes(
			attribute.String("request.correlation_id", correlationID),
			attribute.String("resolve.source", source),
		),
	)
}
