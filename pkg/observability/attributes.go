package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Resolution semantic convention attributes.
var (
	AttrEntityID       = attribute.Key("fedresolve.entity.id")
	AttrEntityType     = attribute.Key("fedresolve.entity.type")
	AttrSourceName     = attribute.Key("fedresolve.source.name")
	AttrSourcePriority = attribute.Key("fedresolve.source.priority")
	AttrMode           = attribute.Key("fedresolve.resolution.mode")
	AttrStrategy       = attribute.Key("fedresolve.resolution.strategy")
	AttrRole           = attribute.Key("fedresolve.caller.role")
	AttrOutcome        = attribute.Key("fedresolve.outcome")
	AttrMaskedCount    = attribute.Key("fedresolve.masking.hidden")
)

// ResolveOperation creates attributes for one resolution.
func ResolveOperation(entityType string, entityID int64, mode, role string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEntityType.String(entityType),
		AttrEntityID.Int64(entityID),
		AttrMode.String(mode),
		AttrRole.String(role),
	}
}

// SourceAttempt creates attributes for one source fetch.
func SourceAttempt(sourceName string, priority int, entityType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSourceName.String(sourceName),
		AttrSourcePriority.Int(priority),
		AttrEntityType.String(entityType),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
