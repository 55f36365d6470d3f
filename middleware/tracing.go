package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// tracerName is the instrumentation scope name for cutout tracing.
const tracerName = "github.com/lsst-sqre/ivoa-cutout-poc"

// Tracing returns middleware that wraps execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is
// used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: cutout.job.id, cutout.dataset_id,
// cutout.attempt, cutout.run_id. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "cutout.job.execute",
			trace.WithAttributes(
				attribute.String("cutout.job.id", j.ID.String()),
				attribute.String("cutout.dataset_id", j.Request.DatasetID),
				attribute.Int("cutout.attempt", j.AttemptCount),
				attribute.String("cutout.run_id", j.Request.RunID),
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
