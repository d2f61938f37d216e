package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for core spans.
var (
	AttrAgentID   = attribute.Key("quorum.agent.id")
	AttrTaskID    = attribute.Key("quorum.task.id")
	AttrSessionID = attribute.Key("quorum.session.id")
	AttrAssistID  = attribute.Key("quorum.assist.id")
	AttrSweep     = attribute.Key("quorum.sweep.kind")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
