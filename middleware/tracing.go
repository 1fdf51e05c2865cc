package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/embermedia/conductor/job"
)

// tracerName is the instrumentation scope name for conductor tracing.
const tracerName = "github.com/embermedia/conductor"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span. Without a global TracerProvider the noop tracer is used.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "conductor.job.execute",
			trace.WithAttributes(
				attribute.String("conductor.job.id", j.ID.String()),
				attribute.String("conductor.queue", j.Queue),
				attribute.String("conductor.type", j.Type),
				attribute.Int("conductor.attempt", j.Attempts),
				attribute.String("conductor.owner", j.Owner),
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
