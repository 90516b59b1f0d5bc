package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xiaot623/gogo/telemetry"

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common attribute keys.
var (
	AttrProjectID     = attribute.Key("telemetry.project.id")
	AttrRunID         = attribute.Key("telemetry.run.id")
	AttrThreadID      = attribute.Key("telemetry.thread.id")
	AttrEvaluatorID   = attribute.Key("telemetry.evaluator.id")
	AttrEvaluatorKind = attribute.Key("telemetry.evaluator.kind")
	AttrBatchSize     = attribute.Key("telemetry.batch.size")
	AttrRule          = attribute.Key("telemetry.chat.rule")
)
