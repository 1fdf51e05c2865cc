// Package control implements the administrative operations over Store and
// Broker: submit, inspect, cancel, retry, bulk cancel, owner and queue
// listings, queue administration, delayed and recurring scheduling, metrics
// aggregation and health summary.
//
// Authorization is delegated to the caller: every operation takes an
// explicit Identity and the plane enforces that non-admins only touch jobs
// whose owner matches.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/ext"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
	"github.com/embermedia/conductor/scheduler"
	"github.com/embermedia/conductor/store"
)

// Identity is the caller as established by the HTTP adapter.
type Identity struct {
	Owner string
	Admin bool
}

// canTouch reports whether the identity may act on the job.
func (i Identity) canTouch(j *job.Job) bool {
	return i.Admin || (i.Owner != "" && i.Owner == j.Owner)
}

// SubmitRequest carries a new submission.
type SubmitRequest struct {
	Queue   string          `json:"queue"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// Options.
	Priority    int           `json:"priority,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Delay       time.Duration `json:"delay_ms,omitempty"`

	// ID, when set, pins the job id (used by idempotent producers).
	ID id.JobID `json:"id,omitempty"`
}

// JobView merges the store record with the live broker placement.
type JobView struct {
	*job.Job
	Placement broker.Placement `json:"placement"`
}

// Plane is the control plane over one store/broker pair.
type Plane struct {
	store   store.Store
	broker  broker.Broker
	reg     *job.Registry
	sched   *scheduler.Scheduler
	hooks   *ext.Registry
	manager *queue.Manager
	cfg     conductor.Config
	logger  *slog.Logger
}

// NewPlane creates a control plane.
func NewPlane(
	st store.Store,
	brk broker.Broker,
	reg *job.Registry,
	sched *scheduler.Scheduler,
	hooks *ext.Registry,
	manager *queue.Manager,
	cfg conductor.Config,
	logger *slog.Logger,
) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		store:   st,
		broker:  brk,
		reg:     reg,
		sched:   sched,
		hooks:   hooks,
		manager: manager,
		cfg:     cfg,
		logger:  logger,
	}
}

// defaultQueueConfig is the configuration for lazily created descriptors.
func (p *Plane) defaultQueueConfig() queue.Config {
	return queue.Config{
		Concurrency:     p.cfg.Concurrency,
		RetryAttempts:   p.cfg.MaxAttempts,
		RetryDelay:      p.cfg.RetryDelay,
		RetainCompleted: p.cfg.RetainCompleted,
		RetainFailed:    p.cfg.RetainFailed,
		HandlerTimeout:  p.cfg.HandlerTimeout,
	}
}

// EnsureQueue loads the descriptor for a registered queue, creating it
// lazily on first use.
func (p *Plane) EnsureQueue(ctx context.Context, name string) (*queue.Descriptor, error) {
	if !queue.IsRegistered(name) {
		return nil, conductor.ErrInvalidQueue
	}
	d, err := p.store.GetQueue(ctx, name)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, conductor.ErrQueueNotFound) {
		return nil, err
	}

	d = queue.NewDescriptor(name, p.defaultQueueConfig())
	if err := p.store.PutQueue(ctx, d); err != nil {
		return nil, err
	}
	if p.manager != nil {
		p.manager.SetConfig(name, d.Config)
	}
	return d, nil
}

// Submit validates and accepts a new job: the store record is written in
// waiting, then the job enters the broker. An enqueue failure rolls the
// record back so no phantom job is created.
func (p *Plane) Submit(ctx context.Context, ident Identity, req SubmitRequest) (id.JobID, error) {
	d, err := p.EnsureQueue(ctx, req.Queue)
	if err != nil {
		return id.Nil, err
	}

	def, ok := p.reg.Get(req.Queue, req.Type)
	if !ok {
		return id.Nil, conductor.ErrInvalidJobType
	}
	if len(req.Payload) > p.cfg.MaxPayloadBytes {
		return id.Nil, conductor.ErrPayloadTooLarge
	}
	if def.Validate != nil {
		if vErr := def.Validate(req.Payload); vErr != nil {
			return id.Nil, fmt.Errorf("%w: %v", conductor.ErrValidation, vErr)
		}
	}
	if req.Delay < 0 || req.Delay > p.cfg.MaxDelay {
		return id.Nil, conductor.ErrInvalidDelay
	}

	jobID := req.ID
	if jobID.IsNil() {
		jobID = id.NewJobID()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.Config.RetryAttempts
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      conductor.NewEntity(),
		ID:          jobID,
		Queue:       req.Queue,
		Type:        req.Type,
		Payload:     req.Payload,
		Owner:       ident.Owner,
		Status:      job.StatusWaiting,
		Priority:    req.Priority,
		MaxAttempts: maxAttempts,
	}

	var delayUntil *time.Time
	if req.Delay > 0 {
		due := now.Add(req.Delay)
		delayUntil = &due
		j.DelayUntil = &due
	}

	if err := p.store.CreateJob(ctx, j); err != nil {
		return id.Nil, err
	}
	if err := p.broker.Enqueue(ctx, req.Queue, broker.JobRef{
		ID:         jobID,
		Priority:   req.Priority,
		EnqueuedAt: now,
	}, delayUntil); err != nil {
		if delErr := p.store.DeleteJob(ctx, jobID); delErr != nil {
			p.logger.Error("submit rollback failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", delErr.Error()),
			)
		}
		return id.Nil, fmt.Errorf("%w: %v", conductor.ErrBrokerUnavailable, err)
	}

	p.hooks.EmitJobSubmitted(ctx, j)
	p.logger.Info("job submitted",
		slog.String("job_id", jobID.String()),
		slog.String("queue", req.Queue),
		slog.String("type", req.Type),
		slog.String("owner", ident.Owner),
	)
	return jobID, nil
}

// Inspect returns the job record merged with its live broker placement.
// It always succeeds for an existing, visible id regardless of the
// handler's history.
func (p *Plane) Inspect(ctx context.Context, ident Identity, jobID id.JobID) (*JobView, error) {
	j, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ident.canTouch(j) {
		return nil, conductor.ErrForbidden
	}

	placement := broker.PlacementNone
	if !j.Status.Terminal() {
		placement, err = p.broker.Placement(ctx, j.Queue, jobID)
		if err != nil {
			return nil, err
		}
	}
	return &JobView{Job: j, Placement: placement}, nil
}

// Cancel fails a waiting or delayed job immediately. Active jobs are
// refused: the handler call cannot be preempted, the caller may re-issue
// once the lease expires. Terminal jobs are not cancellable.
func (p *Plane) Cancel(ctx context.Context, ident Identity, jobID id.JobID) error {
	j, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ident.canTouch(j) {
		return conductor.ErrForbidden
	}

	switch {
	case j.Status == job.StatusActive:
		return conductor.ErrRefusedActive
	case j.Status.Terminal():
		return conductor.ErrNotCancellable
	}

	if _, err := p.broker.Remove(ctx, j.Queue, jobID); err != nil {
		return err
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.Error = "cancelled"
	j.FailedAt = &now
	j.Touch()
	if err := p.store.UpdateJob(ctx, j); err != nil {
		return err
	}

	p.hooks.EmitJobCancelled(ctx, j)
	return nil
}

// Retry clones a failed job into a fresh record with a new id. The
// original is unchanged except for the retried_as link; repeating Retry
// yields independent new ids each time.
func (p *Plane) Retry(ctx context.Context, ident Identity, jobID id.JobID) (id.JobID, error) {
	orig, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return id.Nil, err
	}
	if !ident.canTouch(orig) {
		return id.Nil, conductor.ErrForbidden
	}
	if orig.Status != job.StatusFailed {
		return id.Nil, conductor.ErrNotRetriable
	}

	now := time.Now().UTC()
	clone := &job.Job{
		Entity:      conductor.NewEntity(),
		ID:          id.NewJobID(),
		Queue:       orig.Queue,
		Type:        orig.Type,
		Payload:     orig.Payload,
		Owner:       orig.Owner,
		Status:      job.StatusWaiting,
		Priority:    orig.Priority,
		MaxAttempts: orig.MaxAttempts,
	}
	if err := p.store.CreateJob(ctx, clone); err != nil {
		return id.Nil, err
	}
	if err := p.broker.Enqueue(ctx, clone.Queue, broker.JobRef{
		ID:         clone.ID,
		Priority:   clone.Priority,
		EnqueuedAt: now,
	}, nil); err != nil {
		if delErr := p.store.DeleteJob(ctx, clone.ID); delErr != nil {
			p.logger.Error("retry rollback failed",
				slog.String("job_id", clone.ID.String()),
				slog.String("error", delErr.Error()),
			)
		}
		return id.Nil, fmt.Errorf("%w: %v", conductor.ErrBrokerUnavailable, err)
	}

	orig.RetriedAs = clone.ID
	orig.Touch()
	if err := p.store.UpdateJob(ctx, orig); err != nil {
		p.logger.Warn("retry link update failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}

	p.hooks.EmitJobSubmitted(ctx, clone)
	return clone.ID, nil
}

// BulkOutcome is the per-id result of a BulkCancel.
type BulkOutcome struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Bulk cancel outcome values.
const (
	OutcomeCancelled     = "cancelled"
	OutcomeRefusedActive = "refused_active"
	OutcomeSkipped       = "skipped" // terminal jobs
	OutcomeNotFound      = "not_found"
	OutcomeForbidden     = "forbidden"
	OutcomeError         = "error"
)

// BulkCancel cancels every waiting or delayed job in ids, reporting a
// per-id outcome.
func (p *Plane) BulkCancel(ctx context.Context, ident Identity, ids []id.JobID) []BulkOutcome {
	outcomes := make([]BulkOutcome, 0, len(ids))
	for _, jobID := range ids {
		out := BulkOutcome{ID: jobID.String()}
		switch err := p.Cancel(ctx, ident, jobID); {
		case err == nil:
			out.Outcome = OutcomeCancelled
		case errors.Is(err, conductor.ErrRefusedActive):
			out.Outcome = OutcomeRefusedActive
		case errors.Is(err, conductor.ErrNotCancellable):
			out.Outcome = OutcomeSkipped
		case errors.Is(err, conductor.ErrJobNotFound):
			out.Outcome = OutcomeNotFound
		case errors.Is(err, conductor.ErrForbidden):
			out.Outcome = OutcomeForbidden
		default:
			out.Outcome = OutcomeError
			out.Error = err.Error()
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// ListForOwner returns jobs owned by owner. Non-admins may only list their
// own jobs.
func (p *Plane) ListForOwner(ctx context.Context, ident Identity, owner string, f job.Filter, pg job.Page) ([]*job.Job, int64, error) {
	if !ident.Admin && ident.Owner != owner {
		return nil, 0, conductor.ErrForbidden
	}
	f.Owner = owner
	return p.store.QueryJobs(ctx, f, pg)
}

// ListForQueue returns jobs in one queue. Admin only.
func (p *Plane) ListForQueue(ctx context.Context, ident Identity, queueName string, f job.Filter, pg job.Page) ([]*job.Job, int64, error) {
	if !ident.Admin {
		return nil, 0, conductor.ErrAdminRequired
	}
	if !queue.IsRegistered(queueName) {
		return nil, 0, conductor.ErrQueueNotFound
	}
	f.Queue = queueName
	return p.store.QueryJobs(ctx, f, pg)
}
