// Package engine wires the conductor subsystems together: store, broker,
// job registry, extension hooks, per-queue worker pools, scheduler, and
// control plane. It owns process lifecycle with deterministic shutdown
// order: Scheduler, then Worker Pools, then Broker, then Store.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/backoff"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/cluster"
	"github.com/embermedia/conductor/control"
	"github.com/embermedia/conductor/ext"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	mw "github.com/embermedia/conductor/middleware"
	"github.com/embermedia/conductor/observability"
	"github.com/embermedia/conductor/queue"
	"github.com/embermedia/conductor/scheduler"
	"github.com/embermedia/conductor/store"
	"github.com/embermedia/conductor/worker"
)

// Engine is the assembled orchestrator.
type Engine struct {
	cfg      conductor.Config
	logger   *slog.Logger
	store    store.Store
	broker   broker.Broker
	registry *job.Registry
	hooks    *ext.Registry
	manager  *queue.Manager
	sched    *scheduler.Scheduler
	plane    *control.Plane
	executor *worker.Executor
	pools    map[string]*worker.Pool
	workerID id.WorkerID
	mws      []mw.Middleware
	exts     []ext.Extension

	started bool
}

// Option configures an Engine during Build.
type Option func(*Engine)

// WithStore sets the persistence backend. Required.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBroker sets the queue broker. Required.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.exts = append(e.exts, x) }
}

// WithMiddleware appends middleware to the execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// Build assembles an Engine from a Config and options.
func Build(cfg conductor.Config, opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: job.NewRegistry(),
		manager:  queue.NewManager(),
		pools:    make(map[string]*worker.Pool),
		workerID: id.NewWorkerID(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.store == nil {
		return nil, conductor.ErrNoStore
	}
	if eng.broker == nil {
		return nil, conductor.ErrNoBroker
	}

	// Lifecycle metrics ride the hook registry, alongside any extensions
	// supplied through options.
	eng.hooks = ext.NewRegistry(eng.logger)
	eng.hooks.Register(observability.NewMetricsExtension())
	for _, x := range eng.exts {
		eng.hooks.Register(x)
	}

	loc, err := time.LoadLocation(cfg.SchedulerTimezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone %q: %w", cfg.SchedulerTimezone, err)
	}

	schedOpts := scheduler.DefaultOptions()
	schedOpts.PromoteInterval = cfg.PromoteInterval
	schedOpts.StallSweepInterval = cfg.StallSweepInterval
	schedOpts.MetricsInterval = cfg.MetricsInterval
	schedOpts.RetentionInterval = cfg.RetentionInterval
	schedOpts.RetentionCutoff = cfg.RetentionCutoff
	schedOpts.BackoffCeiling = cfg.BackoffCeiling
	schedOpts.Location = loc

	// The scheduler submits cron-produced jobs through the control plane;
	// the closure defers the plane lookup so construction order does not
	// matter.
	submit := func(ctx context.Context, queueName, typ string, payload json.RawMessage, owner string) (id.JobID, error) {
		return eng.plane.Submit(ctx, control.Identity{Owner: owner, Admin: true}, control.SubmitRequest{
			Queue:   queueName,
			Type:    typ,
			Payload: payload,
		})
	}
	eng.sched = scheduler.NewScheduler(
		eng.store, eng.store, eng.store, eng.store,
		eng.broker, eng.hooks, submit, eng.workerID, eng.logger, schedOpts,
	)

	eng.plane = control.NewPlane(
		eng.store, eng.broker, eng.registry, eng.sched, eng.hooks,
		eng.manager, cfg, eng.logger,
	)

	// Default middleware stack: recover, tracing, metrics, logging, then
	// user middleware.
	stack := []mw.Middleware{
		mw.Recover(eng.logger),
		mw.Tracing(),
		mw.Metrics(),
		mw.Logging(eng.logger),
	}
	stack = append(stack, eng.mws...)

	backoffFor := func(queueName string) backoff.Strategy {
		base := cfg.RetryDelay
		if d, qErr := eng.store.GetQueue(context.Background(), queueName); qErr == nil && d.Config.RetryDelay > 0 {
			base = d.Config.RetryDelay
		}
		return backoff.ForQueue(base, cfg.BackoffCeiling)
	}
	eng.executor = worker.NewExecutor(
		eng.store, eng.broker, eng.registry, eng.hooks, backoffFor,
		eng.logger, stack...,
	)

	return eng, nil
}

// RegisterHandler binds a handler definition. Unknown queues are rejected.
func (e *Engine) RegisterHandler(def *job.Definition) error {
	if !queue.IsRegistered(def.Queue) {
		return conductor.ErrInvalidQueue
	}
	if def.Handler == nil {
		return fmt.Errorf("conductor: nil handler for %s/%s", def.Queue, def.Type)
	}
	e.registry.Register(def)
	return nil
}

// Start migrates the store, registers this process in the cluster, starts
// the scheduler, and launches one worker pool per registered queue.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}

	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	w := &cluster.Worker{
		Entity:   conductor.NewEntity(),
		ID:       e.workerID,
		Hostname: hostname,
		Queues:   queue.Registered,
		State:    cluster.WorkerActive,
		LastSeen: time.Now().UTC(),
	}
	if err := e.store.RegisterWorker(ctx, w); err != nil {
		e.logger.Warn("worker registration failed", slog.String("error", err.Error()))
	}

	// The scheduler starts first so leadership is held before pools need
	// promotion and stall sweeps.
	if err := e.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	for _, name := range queue.Registered {
		d, qErr := e.plane.EnsureQueue(ctx, name)
		if qErr != nil {
			return fmt.Errorf("ensure queue %s: %w", name, qErr)
		}
		e.manager.SetConfig(name, d.Config)

		// Restore the pause flag persisted on the descriptor.
		if !d.IsActive {
			if pErr := e.broker.Pause(ctx, name); pErr != nil {
				return fmt.Errorf("restore pause for %s: %w", name, pErr)
			}
		}

		pool := worker.NewPool(name, e.broker, e.executor, e.manager, e.logger,
			worker.WithConcurrency(d.Config.Concurrency),
			worker.WithLease(d.Config.HandlerTimeout),
			worker.WithPollInterval(e.cfg.PollInterval),
		)
		if sErr := pool.Start(ctx); sErr != nil {
			return fmt.Errorf("start pool %s: %w", name, sErr)
		}
		e.pools[name] = pool
	}

	e.started = true
	e.logger.Info("engine started",
		slog.String("worker_id", e.workerID.String()),
		slog.Int("queues", len(e.pools)),
	)
	return nil
}

// Stop shuts down in order: scheduler, worker pools, broker, store.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started {
		return nil
	}
	e.started = false

	if err := e.sched.Stop(ctx); err != nil {
		e.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()
	for name, pool := range e.pools {
		if err := pool.Stop(drainCtx); err != nil {
			e.logger.Error("pool stop error",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.store.DeregisterWorker(ctx, e.workerID); err != nil {
		e.logger.Warn("worker deregistration failed", slog.String("error", err.Error()))
	}
	e.hooks.EmitShutdown(ctx)

	if err := e.broker.Close(); err != nil {
		e.logger.Error("broker close error", slog.String("error", err.Error()))
	}
	return e.store.Close()
}

// Plane returns the control plane.
func (e *Engine) Plane() *control.Plane { return e.plane }

// Registry returns the handler registry.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Hooks returns the extension registry.
func (e *Engine) Hooks() *ext.Registry { return e.hooks }

// Scheduler returns the scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// WorkerID returns this process's cluster identity.
func (e *Engine) WorkerID() id.WorkerID { return e.workerID }
