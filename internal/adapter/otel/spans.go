package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "eventrelay"

// StartPublishSpan starts a span for one Publish call.
func StartPublishSpan(ctx context.Context, eventType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "publish",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
		),
	)
}

// StartReplaySpan starts a span for a session's replay phase.
func StartReplaySpan(ctx context.Context, sessionID, cursor string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "replay",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("replay.cursor", cursor),
		),
	)
}

// StartIngestSpan starts a span for a message consumed from the queue.
func StartIngestSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ingest",
		trace.WithAttributes(
			attribute.String("messaging.subject", subject),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}
