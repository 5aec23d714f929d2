package bus

import (
	"context"

	"github.com/glimte/xbus/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/xbus/bus"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startPublishSpan(ctx context.Context, channel, exchange, routingKey string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "xbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "xbus"),
			attribute.String("xbus.channel", channel),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
}

func startDispatchSpan(ctx context.Context, channel string, d contracts.Delivery) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "xbus"),
		attribute.String("xbus.channel", channel),
		attribute.String("xbus.message_type", d.Type),
		attribute.String("messaging.destination.name", d.Queue),
	}
	if d.CorrelationID != "" {
		attrs = append(attrs, attribute.String("messaging.message.conversation_id", d.CorrelationID))
	}
	return tracer().Start(ctx, "xbus.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
