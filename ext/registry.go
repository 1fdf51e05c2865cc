package ext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
)

// Registry fans lifecycle events out to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never propagate: an observer must not break job processing.
type Registry struct {
	mu     sync.RWMutex
	exts   []Extension
	logger *slog.Logger
}

// NewRegistry creates an empty extension registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exts = append(r.exts, e)
}

func (r *Registry) snapshot() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extension(nil), r.exts...)
}

func (r *Registry) hookErr(name, hook string, err error) {
	if err != nil {
		r.logger.Warn("extension hook error",
			slog.String("extension", name),
			slog.String("hook", hook),
			slog.String("error", err.Error()),
		)
	}
}

// EmitJobSubmitted notifies JobSubmitted extensions.
func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.snapshot() {
		if h, ok := e.(JobSubmitted); ok {
			r.hookErr(e.Name(), "job_submitted", h.OnJobSubmitted(ctx, j))
		}
	}
}

// EmitJobStarted notifies JobStarted extensions.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.snapshot() {
		if h, ok := e.(JobStarted); ok {
			r.hookErr(e.Name(), "job_started", h.OnJobStarted(ctx, j))
		}
	}
}

// EmitJobCompleted notifies JobCompleted extensions.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.snapshot() {
		if h, ok := e.(JobCompleted); ok {
			r.hookErr(e.Name(), "job_completed", h.OnJobCompleted(ctx, j, elapsed))
		}
	}
}

// EmitJobRetrying notifies JobRetrying extensions.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	for _, e := range r.snapshot() {
		if h, ok := e.(JobRetrying); ok {
			r.hookErr(e.Name(), "job_retrying", h.OnJobRetrying(ctx, j, attempt, nextRunAt))
		}
	}
}

// EmitJobFailed notifies JobFailed extensions.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, err error) {
	for _, e := range r.snapshot() {
		if h, ok := e.(JobFailed); ok {
			r.hookErr(e.Name(), "job_failed", h.OnJobFailed(ctx, j, err))
		}
	}
}

// EmitJobStalled notifies JobStalled extensions.
func (r *Registry) EmitJobStalled(ctx context.Context, j *job.Job) {
	for _, e := range r.snapshot() {
		if h, ok := e.(JobStalled); ok {
			r.hookErr(e.Name(), "job_stalled", h.OnJobStalled(ctx, j))
		}
	}
}

// EmitJobCancelled notifies JobCancelled extensions.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.snapshot() {
		if h, ok := e.(JobCancelled); ok {
			r.hookErr(e.Name(), "job_cancelled", h.OnJobCancelled(ctx, j))
		}
	}
}

// EmitCronFired notifies CronFired extensions.
func (r *Registry) EmitCronFired(ctx context.Context, entryName string, jobID id.JobID) {
	for _, e := range r.snapshot() {
		if h, ok := e.(CronFired); ok {
			r.hookErr(e.Name(), "cron_fired", h.OnCronFired(ctx, entryName, jobID))
		}
	}
}

// EmitQueuePaused notifies QueuePaused extensions.
func (r *Registry) EmitQueuePaused(ctx context.Context, queue string) {
	for _, e := range r.snapshot() {
		if h, ok := e.(QueuePaused); ok {
			r.hookErr(e.Name(), "queue_paused", h.OnQueuePaused(ctx, queue))
		}
	}
}

// EmitQueueResumed notifies QueueResumed extensions.
func (r *Registry) EmitQueueResumed(ctx context.Context, queue string) {
	for _, e := range r.snapshot() {
		if h, ok := e.(QueueResumed); ok {
			r.hookErr(e.Name(), "queue_resumed", h.OnQueueResumed(ctx, queue))
		}
	}
}

// EmitShutdown notifies Shutdown extensions.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.snapshot() {
		if h, ok := e.(Shutdown); ok {
			r.hookErr(e.Name(), "shutdown", h.OnShutdown(ctx))
		}
	}
}
