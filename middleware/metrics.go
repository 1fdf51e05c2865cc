package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/embermedia/conductor/job"
)

// meterName is the instrumentation scope name for conductor metrics.
const meterName = "github.com/embermedia/conductor"

// Metrics returns middleware that records per-attempt execution metrics
// using the global OTel MeterProvider. Without a configured provider the
// instruments are noop and the middleware is a pass-through.
//
// Instruments:
//   - conductor.job.duration (Float64Histogram): attempt time in seconds,
//     attributes: queue, type, status ("ok" or "error")
//   - conductor.job.executions (Int64Counter): total attempts,
//     attributes: queue, type, status ("ok" or "error")
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter,
// allowing a specific MeterProvider in tests.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instruments are created once; on error the OTel API contract
	// guarantees noop fallbacks.
	duration, dErr := meter.Float64Histogram(
		"conductor.job.duration",
		metric.WithDescription("Duration of one job attempt in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr

	executions, eErr := meter.Int64Counter(
		"conductor.job.executions",
		metric.WithDescription("Total number of job attempts"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("queue", j.Queue),
			attribute.String("type", j.Type),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
