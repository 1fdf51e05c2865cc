package control

import (
	"context"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
)

// metricsPageSize bounds each store read while bucketing.
const metricsPageSize = 500

// HourBucket is one hour of job activity.
type HourBucket struct {
	Start               time.Time `json:"start"`
	Submitted           int64     `json:"submitted"`
	Completed           int64     `json:"completed"`
	Failed              int64     `json:"failed"`
	AvgProcessingTimeMS int64     `json:"avg_processing_time_ms"`
}

// MetricsTotals is the rollup over the whole window.
type MetricsTotals struct {
	Submitted           int64 `json:"submitted"`
	Completed           int64 `json:"completed"`
	Failed              int64 `json:"failed"`
	AvgProcessingTimeMS int64 `json:"avg_processing_time_ms"`
}

// MetricsReport is hourly buckets plus the overall rollup.
type MetricsReport struct {
	Queue       string        `json:"queue,omitempty"`
	WindowHours int           `json:"window_hours"`
	Buckets     []HourBucket  `json:"hourly_buckets"`
	Overall     MetricsTotals `json:"overall"`
}

// Metrics aggregates job activity into hourly buckets over the last
// windowHours, optionally restricted to one queue. Admin only.
func (p *Plane) Metrics(ctx context.Context, ident Identity, queueName string, windowHours int) (*MetricsReport, error) {
	if !ident.Admin {
		return nil, conductor.ErrAdminRequired
	}
	if windowHours <= 0 {
		windowHours = 24
	}
	if queueName != "" && !queue.IsRegistered(queueName) {
		return nil, conductor.ErrQueueNotFound
	}

	now := time.Now().UTC()
	// The newest bucket is the hour containing now.
	start := now.Truncate(time.Hour).Add(-time.Duration(windowHours-1) * time.Hour)

	report := &MetricsReport{
		Queue:       queueName,
		WindowHours: windowHours,
		Buckets:     make([]HourBucket, windowHours),
	}
	for i := range report.Buckets {
		report.Buckets[i].Start = start.Add(time.Duration(i) * time.Hour)
	}

	bucketTimeSum := make([]int64, windowHours)
	var overallTimeSum int64

	filter := job.Filter{Queue: queueName, CreatedFrom: start}
	for offset := 0; ; offset += metricsPageSize {
		jobs, _, err := p.store.QueryJobs(ctx, filter, job.Page{Limit: metricsPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		if len(jobs) == 0 {
			break
		}

		for _, j := range jobs {
			idx := int(j.CreatedAt.Sub(report.Buckets[0].Start) / time.Hour)
			if idx < 0 || idx >= windowHours {
				continue
			}
			b := &report.Buckets[idx]
			b.Submitted++
			report.Overall.Submitted++
			switch j.Status {
			case job.StatusCompleted:
				b.Completed++
				report.Overall.Completed++
				bucketTimeSum[idx] += j.ProcessingTimeMS
				overallTimeSum += j.ProcessingTimeMS
			case job.StatusFailed:
				b.Failed++
				report.Overall.Failed++
			}
		}
		if len(jobs) < metricsPageSize {
			break
		}
	}

	for i := range report.Buckets {
		if report.Buckets[i].Completed > 0 {
			report.Buckets[i].AvgProcessingTimeMS = bucketTimeSum[i] / report.Buckets[i].Completed
		}
	}
	if report.Overall.Completed > 0 {
		report.Overall.AvgProcessingTimeMS = overallTimeSum / report.Overall.Completed
	}
	return report, nil
}

// HealthSummary reports per-queue health from the cached descriptors and
// the worst status overall. Available without authorization: it backs the
// readiness endpoint.
func (p *Plane) HealthSummary(ctx context.Context) (queue.HealthStatus, map[string]queue.HealthStatus, error) {
	perQueue := make(map[string]queue.HealthStatus, len(queue.Registered))
	overall := queue.HealthHealthy

	for _, name := range queue.Registered {
		d, err := p.EnsureQueue(ctx, name)
		if err != nil {
			return "", nil, err
		}
		perQueue[name] = d.HealthStatus
		switch d.HealthStatus {
		case queue.HealthError:
			overall = queue.HealthError
		case queue.HealthWarning:
			if overall == queue.HealthHealthy {
				overall = queue.HealthWarning
			}
		}
	}
	return overall, perQueue, nil
}
