// Package ext defines the extension system: lifecycle hooks that observers
// (metrics, audit logs, webhooks) can register for. Each hook is a separate
// interface so extensions opt in only to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a job is accepted and enqueued.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker slot begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when an attempt fails but will be retried.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobStalled is called when the stall sweep reaps an expired lease.
type JobStalled interface {
	OnJobStalled(ctx context.Context, j *job.Job) error
}

// JobCancelled is called when an admin cancel succeeds.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// CronFired is called when a cron entry submits a job.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string, jobID id.JobID) error
}

// QueuePaused is called when a queue is paused.
type QueuePaused interface {
	OnQueuePaused(ctx context.Context, queue string) error
}

// QueueResumed is called when a queue is resumed.
type QueueResumed interface {
	OnQueueResumed(ctx context.Context, queue string) error
}

// Shutdown is called once during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
