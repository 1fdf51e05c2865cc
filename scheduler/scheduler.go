// Package scheduler is the single wall-clock driver: it promotes delayed
// jobs, sweeps expired leases, refreshes queue aggregates and health,
// trims retention, and fires cron entries. Every periodic task runs only
// on the elected leader so replicated deployments never double-drive.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/backoff"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/cluster"
	"github.com/embermedia/conductor/cron"
	"github.com/embermedia/conductor/ext"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
)

// SubmitFunc is the callback the scheduler uses to submit cron-produced
// jobs. The engine provides the implementation; the indirection breaks the
// import cycle with the control plane.
type SubmitFunc func(ctx context.Context, queueName, typ string, payload json.RawMessage, owner string) (id.JobID, error)

// Options tunes the scheduler's timers and policies.
type Options struct {
	PromoteInterval    time.Duration
	StallSweepInterval time.Duration
	MetricsInterval    time.Duration
	RetentionInterval  time.Duration
	CronTickInterval   time.Duration

	// MetricsWindow is the observation window for aggregates and health.
	MetricsWindow time.Duration

	// RetentionCutoff hard-expires terminal jobs older than this.
	RetentionCutoff time.Duration

	// BackoffCeiling caps stall-retry delays.
	BackoffCeiling time.Duration

	// Location is the timezone cron expressions are evaluated in.
	Location *time.Location

	LeaderTTL   time.Duration
	CronLockTTL time.Duration

	// Queues is the fixed queue name set the periodic tasks cover.
	Queues []string
}

// DefaultOptions returns the documented task periods.
func DefaultOptions() Options {
	return Options{
		PromoteInterval:    time.Second,
		StallSweepInterval: 30 * time.Second,
		MetricsInterval:    60 * time.Second,
		RetentionInterval:  24 * time.Hour,
		CronTickInterval:   time.Second,
		MetricsWindow:      time.Hour,
		RetentionCutoff:    30 * 24 * time.Hour,
		BackoffCeiling:     5 * time.Minute,
		Location:           time.UTC,
		LeaderTTL:          15 * time.Second,
		CronLockTTL:        30 * time.Second,
		Queues:             queue.Registered,
	}
}

// Scheduler drives the periodic tasks. Construct with NewScheduler, then
// Start/Stop around the worker pools.
type Scheduler struct {
	jobs     job.Store
	queues   queue.Store
	crons    cron.Store
	clusters cluster.Store
	broker   broker.Broker
	hooks    *ext.Registry
	submit   SubmitFunc
	workerID id.WorkerID
	logger   *slog.Logger
	opts     Options

	// Per-task guards keep a slow run from stacking on its next tick.
	promoteGuard   sync.Mutex
	stallGuard     sync.Mutex
	metricsGuard   sync.Mutex
	retentionGuard sync.Mutex
	cronGuard      sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	jobs job.Store,
	queues queue.Store,
	crons cron.Store,
	clusters cluster.Store,
	brk broker.Broker,
	hooks *ext.Registry,
	submit SubmitFunc,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts Options,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if len(opts.Queues) == 0 {
		opts.Queues = queue.Registered
	}
	return &Scheduler{
		jobs:     jobs,
		queues:   queues,
		crons:    crons,
		clusters: clusters,
		broker:   brk,
		hooks:    hooks,
		submit:   submit,
		workerID: workerID,
		logger:   logger,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the leader election loop and the periodic task loops.
func (s *Scheduler) Start(_ context.Context) error {
	loops := []struct {
		period time.Duration
		run    func()
	}{
		{s.opts.LeaderTTL / 2, s.tryLeadership},
		{s.opts.PromoteInterval, s.promoteDue},
		{s.opts.StallSweepInterval, s.stallSweep},
		{s.opts.MetricsInterval, s.refreshMetrics},
		{s.opts.RetentionInterval, s.trimRetention},
		{s.opts.CronTickInterval, s.cronTick},
	}

	// Acquire leadership before the first tick so a single-replica
	// deployment starts driving immediately.
	s.tryLeadership()

	for _, l := range loops {
		s.wg.Add(1)
		go s.loop(l.period, l.run)
	}

	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.String("timezone", s.opts.Location.String()),
	)
	return nil
}

// Stop signals the loops to stop and waits for them.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(period time.Duration, run func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			run()
		}
	}
}

// tryLeadership renews or acquires the scheduler leadership record.
func (s *Scheduler) tryLeadership() {
	ctx := context.Background()

	renewed, err := s.clusters.RenewLeadership(ctx, s.workerID, s.opts.LeaderTTL)
	if err != nil {
		s.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		return
	}

	acquired, err := s.clusters.AcquireLeadership(ctx, s.workerID, s.opts.LeaderTTL)
	if err != nil {
		s.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	if acquired {
		s.logger.Info("acquired scheduler leadership",
			slog.String("worker_id", s.workerID.String()),
		)
	}
}

// isLeader gates every periodic task.
func (s *Scheduler) isLeader() bool {
	ok, err := cluster.IsLeader(context.Background(), s.clusters, s.workerID)
	if err != nil {
		s.logger.Warn("leader check error", slog.String("error", err.Error()))
		return false
	}
	return ok
}

// ──────────────────────────────────────────────────
// Delay promotion
// ──────────────────────────────────────────────────

func (s *Scheduler) promoteDue() {
	if !s.promoteGuard.TryLock() {
		return
	}
	defer s.promoteGuard.Unlock()
	if !s.isLeader() {
		return
	}

	ctx := context.Background()
	now := time.Now().UTC()
	for _, q := range s.opts.Queues {
		if _, err := s.broker.PromoteDue(ctx, q, now); err != nil {
			s.logger.Error("promote error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Stall sweep
// ──────────────────────────────────────────────────

func (s *Scheduler) stallSweep() {
	if !s.stallGuard.TryLock() {
		return
	}
	defer s.stallGuard.Unlock()
	if !s.isLeader() {
		return
	}

	ctx := context.Background()
	now := time.Now().UTC()
	for _, q := range s.opts.Queues {
		expired, err := s.broker.ReapExpiredLeases(ctx, q, now)
		if err != nil {
			s.logger.Error("lease reap error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, jobID := range expired {
			s.handleStall(ctx, q, jobID)
		}
	}
}

// handleStall retries or terminates one reaped job.
func (s *Scheduler) handleStall(ctx context.Context, queueName string, jobID id.JobID) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("stall sweep load error",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if j.Status.Terminal() {
		// The worker's late write won the race; nothing to reconcile.
		return
	}

	now := time.Now().UTC()
	j.StalledAt = &now
	j.Touch()

	if j.Attempts < j.MaxAttempts {
		delay := s.backoffFor(ctx, queueName).Delay(max(j.Attempts, 1))
		next := now.Add(delay)
		j.Status = job.StatusWaiting
		j.DelayUntil = &next
		j.Error = "stalled: lease expired"
		if err := s.jobs.UpdateJob(ctx, j); err != nil {
			s.logger.Error("stall retry persist error",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := s.broker.Enqueue(ctx, queueName, broker.JobRef{
			ID:         j.ID,
			Priority:   j.Priority,
			EnqueuedAt: now,
		}, &next); err != nil {
			s.logger.Error("stall requeue error",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		s.hooks.EmitJobStalled(ctx, j)
		s.logger.Warn("stalled job requeued",
			slog.String("queue", queueName),
			slog.String("job_id", jobID.String()),
			slog.Int("attempt", j.Attempts),
			slog.Duration("delay", delay),
		)
		return
	}

	j.Status = job.StatusFailed
	j.FailedAt = &now
	j.Error = fmt.Sprintf("stalled: lease expired after %d attempts", j.Attempts)
	if err := s.jobs.UpdateJob(ctx, j); err != nil {
		s.logger.Error("stall failure persist error",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.hooks.EmitJobStalled(ctx, j)
	s.hooks.EmitJobFailed(ctx, j, conductor.ErrBadToken)
	s.logger.Warn("stalled job failed terminally",
		slog.String("queue", queueName),
		slog.String("job_id", jobID.String()),
		slog.Int("attempts", j.Attempts),
	)
}

// backoffFor builds the retry strategy from the queue's configured base.
func (s *Scheduler) backoffFor(ctx context.Context, queueName string) backoff.Strategy {
	base := 2 * time.Second
	if d, err := s.queues.GetQueue(ctx, queueName); err == nil && d.Config.RetryDelay > 0 {
		base = d.Config.RetryDelay
	}
	return backoff.ForQueue(base, s.opts.BackoffCeiling)
}

// ──────────────────────────────────────────────────
// Metrics refresh and health evaluation
// ──────────────────────────────────────────────────

func (s *Scheduler) refreshMetrics() {
	if !s.metricsGuard.TryLock() {
		return
	}
	defer s.metricsGuard.Unlock()
	if !s.isLeader() {
		return
	}

	ctx := context.Background()
	now := time.Now().UTC()
	rows, err := s.jobs.AggregateJobs(ctx, now.Add(-s.opts.MetricsWindow))
	if err != nil {
		s.logger.Error("metrics aggregate error", slog.String("error", err.Error()))
		return
	}

	type rollup struct {
		completed, failed int64
		timeSumMS         int64
		lastProcessed     *time.Time
	}
	perQueue := make(map[string]*rollup)
	for _, row := range rows {
		r, ok := perQueue[row.Queue]
		if !ok {
			r = &rollup{}
			perQueue[row.Queue] = r
		}
		switch row.Status {
		case job.StatusCompleted:
			r.completed += row.Count
			r.timeSumMS += row.AvgProcessingTimeMS * row.Count
			if row.LastCompletedAt != nil &&
				(r.lastProcessed == nil || row.LastCompletedAt.After(*r.lastProcessed)) {
				at := *row.LastCompletedAt
				r.lastProcessed = &at
			}
		case job.StatusFailed:
			r.failed += row.Count
		}
	}

	for _, q := range s.opts.Queues {
		d, err := s.queues.GetQueue(ctx, q)
		if err != nil {
			continue // descriptor is created lazily on first use
		}
		r := perQueue[q]
		if r == nil {
			r = &rollup{}
		}

		d.ProcessingRatePerMin = float64(r.completed) / s.opts.MetricsWindow.Minutes()
		if r.completed > 0 {
			d.AvgProcessingTimeMS = r.timeSumMS / r.completed
		} else {
			d.AvgProcessingTimeMS = 0
		}
		if r.lastProcessed != nil {
			d.LastProcessedAt = r.lastProcessed
		}
		d.HealthStatus = queue.EvaluateHealth(r.completed, r.failed)
		checked := now
		d.LastHealthCheck = &checked
		d.Touch()

		if err := s.queues.PutQueue(ctx, d); err != nil {
			s.logger.Error("descriptor refresh error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Retention trim
// ──────────────────────────────────────────────────

func (s *Scheduler) trimRetention() {
	if !s.retentionGuard.TryLock() {
		return
	}
	defer s.retentionGuard.Unlock()
	if !s.isLeader() {
		return
	}

	ctx := context.Background()
	for _, q := range s.opts.Queues {
		d, err := s.queues.GetQueue(ctx, q)
		if err != nil {
			continue
		}
		removed, err := s.jobs.TrimRetention(ctx, q, d.Config.RetainCompleted, d.Config.RetainFailed)
		if err != nil {
			s.logger.Error("retention trim error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		if removed > 0 {
			s.logger.Info("retention trimmed",
				slog.String("queue", q),
				slog.Int64("removed", removed),
			)
		}
	}

	cutoff := time.Now().UTC().Add(-s.opts.RetentionCutoff)
	expired, err := s.jobs.ExpireOlderThan(ctx, cutoff, true)
	if err != nil {
		s.logger.Error("retention expire error", slog.String("error", err.Error()))
		return
	}
	if expired > 0 {
		s.logger.Info("expired terminal jobs", slog.Int64("removed", expired))
	}
}

// ──────────────────────────────────────────────────
// Cron
// ──────────────────────────────────────────────────

func (s *Scheduler) cronTick() {
	if !s.cronGuard.TryLock() {
		return
	}
	defer s.cronGuard.Unlock()
	if !s.isLeader() {
		return
	}

	ctx := context.Background()
	entries, err := s.crons.ListCrons(ctx)
	if err != nil {
		s.logger.Error("list crons error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		s.fireEntry(ctx, entry, now)
	}
}

// fireEntry submits one due cron entry under its per-entry lock.
func (s *Scheduler) fireEntry(ctx context.Context, entry *cron.Entry, now time.Time) {
	acquired, err := s.crons.AcquireCronLock(ctx, entry.ID, s.workerID, s.opts.CronLockTTL)
	if err != nil {
		s.logger.Error("cron lock error",
			slog.String("cron_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if relErr := s.crons.ReleaseCronLock(ctx, entry.ID, s.workerID); relErr != nil {
			s.logger.Error("cron unlock error",
				slog.String("cron_id", entry.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	jobID, submitErr := s.submit(ctx, entry.Queue, entry.Type, entry.Payload, entry.Owner)
	if submitErr != nil {
		s.logger.Error("cron submit error",
			slog.String("cron_name", entry.Name),
			slog.String("queue", entry.Queue),
			slog.String("type", entry.Type),
			slog.String("error", submitErr.Error()),
		)
		return
	}

	entry.LastRunAt = &now
	if next, nextErr := cron.Next(entry.Schedule, now, s.opts.Location); nextErr == nil {
		entry.NextRunAt = &next
	} else {
		s.logger.Error("cron reschedule error",
			slog.String("cron_name", entry.Name),
			slog.String("schedule", entry.Schedule),
			slog.String("error", nextErr.Error()),
		)
	}
	entry.Touch()
	if err := s.crons.UpdateCron(ctx, entry); err != nil {
		s.logger.Error("cron update error",
			slog.String("cron_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.hooks.EmitCronFired(ctx, entry.Name, jobID)
	s.logger.Info("cron fired",
		slog.String("cron_name", entry.Name),
		slog.String("queue", entry.Queue),
		slog.String("type", entry.Type),
		slog.String("job_id", jobID.String()),
	)
}

// RegisterEntry validates and persists a new cron entry, returning its
// unique name. Registering the same schedule twice creates two independent
// entries.
func (s *Scheduler) RegisterEntry(ctx context.Context, queueName, typ string, payload json.RawMessage, schedule, owner string) (string, error) {
	now := time.Now().UTC()
	next, err := cron.Next(schedule, now, s.opts.Location)
	if err != nil {
		return "", err
	}

	entryID := id.NewCronID()
	entry := &cron.Entry{
		Entity:    conductor.NewEntity(),
		ID:        entryID,
		Name:      entryID.String(),
		Schedule:  schedule,
		Queue:     queueName,
		Type:      typ,
		Payload:   payload,
		Owner:     owner,
		Enabled:   true,
		NextRunAt: &next,
	}
	if err := s.crons.RegisterCron(ctx, entry); err != nil {
		return "", fmt.Errorf("register cron: %w", err)
	}

	s.logger.Info("cron registered",
		slog.String("name", entry.Name),
		slog.String("schedule", schedule),
		slog.String("queue", queueName),
		slog.String("type", typ),
		slog.Time("next_run_at", next),
	)
	return entry.Name, nil
}

// CancelEntry removes a cron entry by name. Already-submitted jobs are
// unaffected.
func (s *Scheduler) CancelEntry(ctx context.Context, name string) error {
	entry, err := s.crons.GetCronByName(ctx, name)
	if err != nil {
		return err
	}
	return s.crons.DeleteCron(ctx, entry.ID)
}

// ListEntries returns all registered cron entries.
func (s *Scheduler) ListEntries(ctx context.Context) ([]*cron.Entry, error) {
	return s.crons.ListCrons(ctx)
}

// TriggerEntry manually fires a registered entry immediately, independent
// of its schedule. Disabled or unknown entries are not triggerable.
func (s *Scheduler) TriggerEntry(ctx context.Context, name string) (id.JobID, error) {
	entry, err := s.crons.GetCronByName(ctx, name)
	if err != nil {
		return id.Nil, conductor.ErrNotTriggerable
	}
	if !entry.Enabled {
		return id.Nil, conductor.ErrNotTriggerable
	}

	jobID, err := s.submit(ctx, entry.Queue, entry.Type, entry.Payload, entry.Owner)
	if err != nil {
		return id.Nil, err
	}

	now := time.Now().UTC()
	entry.LastRunAt = &now
	entry.Touch()
	if updErr := s.crons.UpdateCron(ctx, entry); updErr != nil {
		s.logger.Warn("cron trigger bookkeeping error",
			slog.String("cron_name", name),
			slog.String("error", updErr.Error()),
		)
	}

	s.hooks.EmitCronFired(ctx, entry.Name, jobID)
	return jobID, nil
}
