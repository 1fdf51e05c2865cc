// Package observability records system-wide lifecycle metrics through the
// extension hooks. Register the MetricsExtension with the engine to track
// submission rates, completions, failures, retries, stalls, cancellations
// and cron fires without touching the hot path.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/embermedia/conductor/ext"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
)

// meterName is the instrumentation scope for lifecycle metrics.
const meterName = "github.com/embermedia/conductor/observability"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobSubmitted = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobStalled   = (*MetricsExtension)(nil)
	_ ext.JobCancelled = (*MetricsExtension)(nil)
	_ ext.CronFired    = (*MetricsExtension)(nil)
)

// MetricsExtension counts job lifecycle events and records the handler
// duration of completed jobs.
type MetricsExtension struct {
	submitted  metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	stalled    metric.Int64Counter
	cancelled  metric.Int64Counter
	cronFired  metric.Int64Counter
	jobElapsed metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter; use an SDK meter in tests. Instrument creation errors fall back to
// noop instruments per the OTel API contract.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.submitted, _ = meter.Int64Counter("conductor.job.submitted")
	m.completed, _ = meter.Int64Counter("conductor.job.completed")
	m.failed, _ = meter.Int64Counter("conductor.job.failed")
	m.retried, _ = meter.Int64Counter("conductor.job.retried")
	m.stalled, _ = meter.Int64Counter("conductor.job.stalled")
	m.cancelled, _ = meter.Int64Counter("conductor.job.cancelled")
	m.cronFired, _ = meter.Int64Counter("conductor.cron.fired")
	m.jobElapsed, _ = meter.Float64Histogram(
		"conductor.job.completion_duration",
		metric.WithDescription("Handler duration of completed jobs in seconds"),
		metric.WithUnit("s"),
	)
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func queueAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("queue", j.Queue),
		attribute.String("type", j.Type),
	)
}

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.submitted.Add(ctx, 1, queueAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, queueAttrs(j))
	m.jobElapsed.Record(ctx, elapsed.Seconds(), queueAttrs(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, queueAttrs(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, queueAttrs(j))
	return nil
}

// OnJobStalled implements ext.JobStalled.
func (m *MetricsExtension) OnJobStalled(ctx context.Context, j *job.Job) error {
	m.stalled.Add(ctx, 1, queueAttrs(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.cancelled.Add(ctx, 1, queueAttrs(j))
	return nil
}

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName string, _ id.JobID) error {
	m.cronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", entryName)))
	return nil
}
