// Package worker provides the job execution engine: an Executor that drives
// one reserved job through middleware and its handler and keeps the store
// and broker consistent, and a per-queue Pool of bounded worker slots.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/backoff"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/ext"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/middleware"
)

// storeRetryDelay is the requeue delay used when the backing store fails
// mid-attempt. The job is not lost: the broker keeps the in-flight token
// until the nack lands.
const storeRetryDelay = 5 * time.Second

// BackoffFunc resolves the retry strategy for a queue.
type BackoffFunc func(queue string) backoff.Strategy

// Executor runs a single reserved job: store transition to active, handler
// invocation through middleware, then ack (completed) or nack (retry or
// failed). It is the only component that writes to both store and broker
// in the same logical step.
type Executor struct {
	store    job.Store
	broker   broker.Broker
	registry *job.Registry
	hooks    *ext.Registry
	backoff  BackoffFunc
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(
	store job.Store,
	brk broker.Broker,
	registry *job.Registry,
	hooks *ext.Registry,
	backoffFor BackoffFunc,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		store:    store,
		broker:   brk,
		registry: registry,
		hooks:    hooks,
		backoff:  backoffFor,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute drives one reservation to its outcome.
func (e *Executor) Execute(ctx context.Context, queueName string, res *broker.Reservation) error {
	j, err := e.store.GetJob(ctx, res.Ref.ID)
	if err != nil {
		// Store unavailable: give the lease back with a short delay so the
		// attempt is not burned.
		e.nackInfra(ctx, queueName, res)
		return fmt.Errorf("load reserved job: %w", err)
	}

	def, ok := e.registry.Get(j.Queue, j.Type)
	if !ok {
		// Registration disappeared after submission. Nothing can ever run
		// this job; fail it terminally.
		return e.failJob(ctx, queueName, res, j, conductor.ErrInvalidJobType)
	}

	now := time.Now().UTC()
	j.Status = job.StatusActive
	j.StartedAt = &now
	j.Attempts++
	j.DelayUntil = nil
	j.Touch()
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.nackInfra(ctx, queueName, res)
		return fmt.Errorf("mark job active: %w", err)
	}
	e.hooks.EmitJobStarted(ctx, j)

	// The attempt deadline is the lease; a shorter per-type timeout
	// tightens it.
	runCtx, cancel := context.WithDeadline(ctx, res.Deadline)
	defer cancel()
	if def.Timeout > 0 {
		if d := time.Now().Add(def.Timeout); d.Before(res.Deadline) {
			var c2 context.CancelFunc
			runCtx, c2 = context.WithDeadline(runCtx, d)
			defer c2()
		}
	}

	var result json.RawMessage
	terminal := func(c context.Context) error {
		r, handleErr := def.Handler.Handle(c, j)
		result = r
		return handleErr
	}

	start := time.Now()
	execErr := e.mw(runCtx, j, terminal)
	elapsed := time.Since(start)

	if execErr == nil {
		return e.completeJob(ctx, queueName, res, j, result, elapsed)
	}

	if errors.Is(execErr, context.DeadlineExceeded) && runCtx.Err() != nil {
		// The slot abandons a timed-out call without acking or nacking;
		// the stall sweep observes the expired lease and decides retry
		// versus terminal failure.
		e.logger.Warn("handler exceeded its deadline, abandoning attempt",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts),
		)
		return execErr
	}

	if conductor.IsFatal(execErr) || j.Attempts >= j.MaxAttempts {
		return e.failJob(ctx, queueName, res, j, execErr)
	}
	return e.retryJob(ctx, queueName, res, j, execErr)
}

// completeJob acks the reservation and writes the terminal success record.
func (e *Executor) completeJob(ctx context.Context, queueName string, res *broker.Reservation, j *job.Job, result json.RawMessage, elapsed time.Duration) error {
	if err := e.broker.Ack(ctx, queueName, j.ID, res.Token); err != nil {
		if errors.Is(err, conductor.ErrBadToken) {
			// The lease expired mid-run and the sweep already reclaimed the
			// job; this outcome is discarded.
			e.logger.Warn("ack rejected, lease was reclaimed",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", queueName),
			)
			return nil
		}
		return fmt.Errorf("ack: %w", err)
	}

	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.Result = result
	j.Error = ""
	j.CompletedAt = &now
	j.ProcessingTimeMS = elapsed.Milliseconds()
	j.Touch()
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to persist completion",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.hooks.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// retryJob nacks with backoff and resets the record to waiting.
func (e *Executor) retryJob(ctx context.Context, queueName string, res *broker.Reservation, j *job.Job, execErr error) error {
	delay := e.backoff(queueName).Delay(j.Attempts)
	if err := e.broker.Nack(ctx, queueName, j.ID, res.Token, &delay); err != nil {
		if errors.Is(err, conductor.ErrBadToken) {
			return nil // sweep owns the job now
		}
		return fmt.Errorf("nack: %w", err)
	}

	next := time.Now().UTC().Add(delay)
	j.Status = job.StatusWaiting
	j.DelayUntil = &next
	j.Error = execErr.Error()
	j.Touch()
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to persist retry state",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.hooks.EmitJobRetrying(ctx, j, j.Attempts, next)
	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)
	return execErr
}

// failJob nacks without requeue and writes the terminal failure record.
func (e *Executor) failJob(ctx context.Context, queueName string, res *broker.Reservation, j *job.Job, execErr error) error {
	if err := e.broker.Nack(ctx, queueName, j.ID, res.Token, nil); err != nil {
		if errors.Is(err, conductor.ErrBadToken) {
			return nil
		}
		return fmt.Errorf("nack: %w", err)
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.FailedAt = &now
	j.Error = execErr.Error()
	j.Touch()
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to persist failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.hooks.EmitJobFailed(ctx, j, execErr)
	e.logger.Warn("job failed terminally",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.Int("attempts", j.Attempts),
		slog.String("error", execErr.Error()),
	)
	return execErr
}

// nackInfra returns the reservation to the delayed set after an
// infrastructure error, without consuming the attempt's outcome.
func (e *Executor) nackInfra(ctx context.Context, queueName string, res *broker.Reservation) {
	delay := storeRetryDelay
	if err := e.broker.Nack(ctx, queueName, res.Ref.ID, res.Token, &delay); err != nil && !errors.Is(err, conductor.ErrBadToken) {
		e.logger.Error("infra nack failed",
			slog.String("job_id", res.Ref.ID.String()),
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
	}
}
