package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/moolen/scr"

// Attribute keys used on runtime spans.
const (
	AttrComponentName = attribute.Key("scr.component.name")
	AttrComponentID   = attribute.Key("scr.component.id")
	AttrReference     = attribute.Key("scr.reference")
	AttrServiceID     = attribute.Key("scr.service.id")
	AttrReason        = attribute.Key("scr.reason")
)

// StartSpan starts a span on the global tracer provider. With tracing
// disabled the span is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
