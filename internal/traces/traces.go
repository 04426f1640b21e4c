// Package traces wraps OpenTelemetry span creation for outbound calls. The
// tracer provider is whatever the host process installed globally; without
// one, spans are no-ops.
package traces

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pxgate"

// StartSpan starts a span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func AppID(id string) attribute.KeyValue { return attribute.String("enforcer.app_id", id) }

func Reason(reason string) attribute.KeyValue {
	return attribute.String("enforcer.s2s_call_reason", reason)
}

func Kind(kind string) attribute.KeyValue { return attribute.String("enforcer.relay_kind", kind) }
