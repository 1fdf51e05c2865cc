package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func (f *fixture) submitMany(t *testing.T, n int) []id.JobID {
	t.Helper()
	ctx := context.Background()

	ids := make([]id.JobID, 0, n)
	for range n {
		j := &job.Job{
			Entity:      conductor.NewEntity(),
			ID:          id.NewJobID(),
			Queue:       "notifications",
			Type:        "send-notification",
			Status:      job.StatusWaiting,
			MaxAttempts: 3,
		}
		if err := f.store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := f.broker.Enqueue(ctx, "notifications", broker.JobRef{ID: j.ID, EnqueuedAt: time.Now()}, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, j.ID)
	}
	return ids
}

func newPool(f *fixture, manager *queue.Manager, opts ...PoolOption) *Pool {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []PoolOption{
		WithConcurrency(3),
		WithLease(time.Minute),
		WithPollInterval(10 * time.Millisecond),
	}
	return NewPool("notifications", f.broker, f.exec, manager, logger, append(base, opts...)...)
}

func TestPool_DrainsQueue(t *testing.T) {
	var processed atomic.Int32
	f := newFixture(t, job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
		processed.Add(1)
		return json.RawMessage(`{}`), nil
	}), 0)

	ids := f.submitMany(t, 5)

	pool := newPool(f, queue.NewManager())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = pool.Stop(context.Background()) }()

	waitFor(t, 3*time.Second, func() bool { return processed.Load() == 5 })

	for _, jobID := range ids {
		j, _ := f.store.GetJob(context.Background(), jobID)
		if j.Status != job.StatusCompleted {
			t.Fatalf("job %s not completed: %s", jobID, j.Status)
		}
	}
}

func TestPool_HonorsManagerConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	f := newFixture(t, job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
		return json.RawMessage(`{}`), nil
	}), 0)

	f.submitMany(t, 6)

	manager := queue.NewManager()
	manager.SetConfig("notifications", queue.Config{
		Concurrency: 1, RetryAttempts: 3, HandlerTimeout: time.Minute,
	})

	pool := newPool(f, manager, WithConcurrency(4))
	_ = pool.Start(context.Background())
	defer func() { _ = pool.Stop(context.Background()) }()

	waitFor(t, 5*time.Second, func() bool {
		sizes, _ := f.broker.Sizes(context.Background(), "notifications")
		return sizes.Ready == 0 && sizes.InFlight == 0
	})

	if peak.Load() > 1 {
		t.Fatalf("manager cap of 1 exceeded: peak %d", peak.Load())
	}
}

func TestPool_PausedQueueIdles(t *testing.T) {
	var processed atomic.Int32
	f := newFixture(t, job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
		processed.Add(1)
		return json.RawMessage(`{}`), nil
	}), 0)

	f.submitMany(t, 2)
	_ = f.broker.Pause(context.Background(), "notifications")

	pool := newPool(f, queue.NewManager())
	_ = pool.Start(context.Background())
	defer func() { _ = pool.Stop(context.Background()) }()

	time.Sleep(150 * time.Millisecond)
	if processed.Load() != 0 {
		t.Fatalf("paused queue must not dispatch, processed %d", processed.Load())
	}

	_ = f.broker.Resume(context.Background(), "notifications")
	waitFor(t, 3*time.Second, func() bool { return processed.Load() == 2 })
}

func TestPool_StopIsIdempotentAndGraceful(t *testing.T) {
	f := newFixture(t, job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}), 0)

	pool := newPool(f, queue.NewManager())
	_ = pool.Start(context.Background())
	_ = pool.Start(context.Background()) // second start is a no-op

	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
