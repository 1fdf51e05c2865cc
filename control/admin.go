package control

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/cron"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
)

// QueueCounts are the live per-status counts for one queue. Waiting,
// delayed and active come from the broker; completed and failed from the
// store.
type QueueCounts struct {
	Waiting   int   `json:"waiting"`
	Active    int   `json:"active"`
	Delayed   int   `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// QueueView is a descriptor with its live counts.
type QueueView struct {
	*queue.Descriptor
	Counts QueueCounts `json:"counts"`
}

// QueueDetail adds recent jobs and a per-type rollup to a QueueView.
type QueueDetail struct {
	QueueView
	RecentJobs []*job.Job      `json:"recent_jobs"`
	TypeRollup []job.Aggregate `json:"type_rollup"`
}

func (p *Plane) liveCounts(ctx context.Context, queueName string) (QueueCounts, error) {
	sizes, err := p.broker.Sizes(ctx, queueName)
	if err != nil {
		return QueueCounts{}, err
	}
	counts := QueueCounts{
		Waiting: sizes.Ready,
		Active:  sizes.InFlight,
		Delayed: sizes.Delayed,
	}

	for _, s := range []job.Status{job.StatusCompleted, job.StatusFailed} {
		_, total, err := p.store.QueryJobs(ctx, job.Filter{Queue: queueName, Status: s}, job.Page{Limit: 1})
		if err != nil {
			return QueueCounts{}, err
		}
		if s == job.StatusCompleted {
			counts.Completed = total
		} else {
			counts.Failed = total
		}
	}
	return counts, nil
}

// QueueList returns every registered queue's descriptor with live counts.
// Admin only.
func (p *Plane) QueueList(ctx context.Context, ident Identity) ([]*QueueView, error) {
	if !ident.Admin {
		return nil, conductor.ErrAdminRequired
	}

	views := make([]*QueueView, 0, len(queue.Registered))
	for _, name := range queue.Registered {
		d, err := p.EnsureQueue(ctx, name)
		if err != nil {
			return nil, err
		}
		counts, err := p.liveCounts(ctx, name)
		if err != nil {
			return nil, err
		}
		views = append(views, &QueueView{Descriptor: d, Counts: counts})
	}
	return views, nil
}

// QueueDetail returns one queue's descriptor, live counts, recent jobs and
// per-type rollup. Admin only.
func (p *Plane) QueueDetail(ctx context.Context, ident Identity, queueName string) (*QueueDetail, error) {
	if !ident.Admin {
		return nil, conductor.ErrAdminRequired
	}
	if !queue.IsRegistered(queueName) {
		return nil, conductor.ErrQueueNotFound
	}

	d, err := p.EnsureQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	counts, err := p.liveCounts(ctx, queueName)
	if err != nil {
		return nil, err
	}
	recent, _, err := p.store.QueryJobs(ctx, job.Filter{Queue: queueName}, job.Page{Limit: 10})
	if err != nil {
		return nil, err
	}

	rows, err := p.store.AggregateJobs(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	var rollup []job.Aggregate
	for _, row := range rows {
		if row.Queue == queueName {
			rollup = append(rollup, row)
		}
	}

	return &QueueDetail{
		QueueView:  QueueView{Descriptor: d, Counts: counts},
		RecentJobs: recent,
		TypeRollup: rollup,
	}, nil
}

// PauseQueue stops reservations for a queue. In-flight jobs continue;
// ready jobs accumulate until resumed. Admin only.
func (p *Plane) PauseQueue(ctx context.Context, ident Identity, queueName string) error {
	if !ident.Admin {
		return conductor.ErrAdminRequired
	}
	d, err := p.EnsureQueue(ctx, queueName)
	if err != nil {
		if errors.Is(err, conductor.ErrInvalidQueue) {
			return conductor.ErrQueueNotFound
		}
		return err
	}

	if err := p.broker.Pause(ctx, queueName); err != nil {
		return err
	}
	d.IsActive = false
	d.Touch()
	if err := p.store.PutQueue(ctx, d); err != nil {
		return err
	}
	p.hooks.EmitQueuePaused(ctx, queueName)
	return nil
}

// ResumeQueue lifts a pause; accumulated jobs dispatch in their original
// order. Admin only.
func (p *Plane) ResumeQueue(ctx context.Context, ident Identity, queueName string) error {
	if !ident.Admin {
		return conductor.ErrAdminRequired
	}
	d, err := p.EnsureQueue(ctx, queueName)
	if err != nil {
		if errors.Is(err, conductor.ErrInvalidQueue) {
			return conductor.ErrQueueNotFound
		}
		return err
	}

	if err := p.broker.Resume(ctx, queueName); err != nil {
		return err
	}
	d.IsActive = true
	d.Touch()
	if err := p.store.PutQueue(ctx, d); err != nil {
		return err
	}
	p.hooks.EmitQueueResumed(ctx, queueName)
	return nil
}

// CleanQueue deletes jobs in a queue older than olderThan whose status is
// in statuses (all when empty). Admin only.
func (p *Plane) CleanQueue(ctx context.Context, ident Identity, queueName string, olderThan time.Duration, statuses []job.Status) (int64, error) {
	if !ident.Admin {
		return 0, conductor.ErrAdminRequired
	}
	if !queue.IsRegistered(queueName) {
		return 0, conductor.ErrQueueNotFound
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return p.store.PurgeJobs(ctx, queueName, cutoff, statuses)
}

// UpdateQueueConfig replaces a queue's configuration. The running pool's
// effective concurrency follows the manager immediately, up to the number
// of slots the pool was started with. Admin only.
func (p *Plane) UpdateQueueConfig(ctx context.Context, ident Identity, queueName string, cfg queue.Config) (*queue.Descriptor, error) {
	if !ident.Admin {
		return nil, conductor.ErrAdminRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := p.EnsureQueue(ctx, queueName)
	if err != nil {
		if errors.Is(err, conductor.ErrInvalidQueue) {
			return nil, conductor.ErrQueueNotFound
		}
		return nil, err
	}

	d.Config = cfg
	d.Touch()
	if err := p.store.PutQueue(ctx, d); err != nil {
		return nil, err
	}
	if p.manager != nil {
		p.manager.SetConfig(queueName, cfg)
	}
	return d, nil
}

// ScheduleDelayed submits a job with a future due time. The delay is
// bounded by the configured ceiling (default 7 days).
func (p *Plane) ScheduleDelayed(ctx context.Context, ident Identity, queueName, typ string, payload json.RawMessage, delay time.Duration) (id.JobID, error) {
	if delay < 0 || delay > p.cfg.MaxDelay {
		return id.Nil, conductor.ErrInvalidDelay
	}
	return p.Submit(ctx, ident, SubmitRequest{
		Queue:   queueName,
		Type:    typ,
		Payload: payload,
		Delay:   delay,
	})
}

// ScheduleRepeating registers a cron entry submitting (queue, type,
// payload) on the given expression, returning the entry's name.
func (p *Plane) ScheduleRepeating(ctx context.Context, ident Identity, queueName, typ string, payload json.RawMessage, cronExpr string) (string, error) {
	if _, err := p.EnsureQueue(ctx, queueName); err != nil {
		return "", err
	}
	def, ok := p.reg.Get(queueName, typ)
	if !ok {
		return "", conductor.ErrInvalidJobType
	}
	if len(payload) > p.cfg.MaxPayloadBytes {
		return "", conductor.ErrPayloadTooLarge
	}
	if def.Validate != nil {
		if err := def.Validate(payload); err != nil {
			return "", conductor.ErrValidation
		}
	}
	return p.sched.RegisterEntry(ctx, queueName, typ, payload, cronExpr, ident.Owner)
}

// CancelSchedule removes a cron entry by name; already-submitted jobs are
// unaffected. Admin only.
func (p *Plane) CancelSchedule(ctx context.Context, ident Identity, name string) error {
	if !ident.Admin {
		return conductor.ErrAdminRequired
	}
	return p.sched.CancelEntry(ctx, name)
}

// ListSchedules returns all registered cron entries. Admin only.
func (p *Plane) ListSchedules(ctx context.Context, ident Identity) ([]*cron.Entry, error) {
	if !ident.Admin {
		return nil, conductor.ErrAdminRequired
	}
	return p.sched.ListEntries(ctx)
}

// TriggerScheduled manually fires a registered cron entry. Admin only.
func (p *Plane) TriggerScheduled(ctx context.Context, ident Identity, name string) (id.JobID, error) {
	if !ident.Admin {
		return id.Nil, conductor.ErrAdminRequired
	}
	return p.sched.TriggerEntry(ctx, name)
}

// Broker exposes the underlying broker for adapters needing placement or
// peek access.
func (p *Plane) Broker() broker.Broker { return p.broker }
