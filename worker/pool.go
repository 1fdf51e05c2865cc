package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/queue"
)

// Pool owns the worker slots for one queue. Each slot loops: reserve with a
// bounded wait, execute through the Executor, report the outcome. The
// queue.Manager gates effective concurrency and rate so configuration
// updates apply without restarting slots.
type Pool struct {
	queue        string
	concurrency  int
	lease        time.Duration
	pollInterval time.Duration

	broker   broker.Broker
	executor *Executor
	manager  *queue.Manager
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker slots.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithLease sets the reservation lease duration (and thus the outer
// deadline for each attempt).
func WithLease(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

// WithPollInterval sets how long an idle slot waits before reserving again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool creates a worker pool for one queue.
func NewPool(
	queueName string,
	brk broker.Broker,
	executor *Executor,
	manager *queue.Manager,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		queue:        queueName,
		concurrency:  5,
		lease:        2 * time.Minute,
		pollInterval: 500 * time.Millisecond,
		broker:       brk,
		executor:     executor,
		manager:      manager,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Queue returns the queue this pool serves.
func (p *Pool) Queue() string { return p.queue }

// Start launches the worker slots. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("queue", p.queue),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("lease", p.lease),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.slotLoop()
	}
	return nil
}

// Stop signals all slots to stop and waits for in-flight attempts. If the
// context expires first, active handler contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("queue", p.queue))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", slog.String("queue", p.queue))
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs",
			slog.String("queue", p.queue),
		)
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

// slotLoop is run by each worker slot goroutine.
func (p *Pool) slotLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.manager.Acquire(p.queue) {
			p.sleep()
			continue
		}

		res, err := p.broker.Reserve(context.Background(), p.queue, p.lease)
		if err != nil {
			p.manager.Release(p.queue)
			p.logger.Error("reserve error",
				slog.String("queue", p.queue),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}
		if res == nil {
			// Empty or paused queue.
			p.manager.Release(p.queue)
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(res.Ref.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, p.queue, res); execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("queue", p.queue),
				slog.String("job_id", res.Ref.ID.String()),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(res.Ref.ID.String())
		cancel()
		p.manager.Release(p.queue)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job",
			slog.String("queue", p.queue),
			slog.String("job_id", jobID),
		)
		cancel()
	}
}
