package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidhopkirk/stride/queue"
)

// tracerName is the instrumentation scope name for stride tracing.
const tracerName = "github.com/davidhopkirk/stride"

// Tracing returns middleware that wraps task execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: stride.task.id, stride.task.type, stride.queue,
// stride.retry_count. On error, the span status is set to codes.Error with
// the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *queue.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "stride.task.execute",
			trace.WithAttributes(
				attribute.String("stride.task.id", t.ID.String()),
				attribute.String("stride.task.type", t.Type),
				attribute.String("stride.queue", t.Queue),
				attribute.Int("stride.retry_count", t.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
