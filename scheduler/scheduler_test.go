package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	brokermem "github.com/embermedia/conductor/broker/memory"
	"github.com/embermedia/conductor/ext"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
	storemem "github.com/embermedia/conductor/store/memory"
)

type submitRecord struct {
	queue, typ string
	payload    json.RawMessage
}

type harness struct {
	store   *storemem.Store
	broker  *brokermem.Broker
	sched   *Scheduler
	submits atomic.Int64
	lastSub atomic.Pointer[submitRecord]
}

func newHarness(t *testing.T, lead bool) *harness {
	t.Helper()

	h := &harness{
		store:  storemem.New(),
		broker: brokermem.New(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	submit := func(_ context.Context, queueName, typ string, payload json.RawMessage, _ string) (id.JobID, error) {
		h.submits.Add(1)
		h.lastSub.Store(&submitRecord{queue: queueName, typ: typ, payload: payload})
		return id.NewJobID(), nil
	}

	opts := DefaultOptions()
	opts.BackoffCeiling = 5 * time.Minute
	h.sched = NewScheduler(h.store, h.store, h.store, h.store, h.broker,
		ext.NewRegistry(logger), submit, id.NewWorkerID(), logger, opts)

	if lead {
		h.sched.tryLeadership()
	}
	return h
}

func (h *harness) putQueue(t *testing.T, name string, cfg queue.Config) {
	t.Helper()
	if err := h.store.PutQueue(context.Background(), queue.NewDescriptor(name, cfg)); err != nil {
		t.Fatalf("put queue: %v", err)
	}
}

func defaultCfg() queue.Config {
	return queue.Config{
		Concurrency: 2, RetryAttempts: 3, RetryDelay: 2 * time.Second,
		RetainCompleted: 100, RetainFailed: 100, HandlerTimeout: time.Minute,
	}
}

// ---------------------------------------------------------------------------
// Leadership gating
// ---------------------------------------------------------------------------

func TestTasks_RequireLeadership(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	// A competing process holds leadership.
	other := id.NewWorkerID()
	if ok, _ := h.store.AcquireLeadership(ctx, other, time.Minute); !ok {
		t.Fatal("setup: competing leader")
	}

	// Enqueue into the delayed set, then let the entry fall due.
	due := time.Now().Add(20 * time.Millisecond)
	_ = h.broker.Enqueue(ctx, "cleanup", broker.JobRef{ID: id.NewJobID(), EnqueuedAt: time.Now()}, &due)
	time.Sleep(30 * time.Millisecond)

	h.sched.promoteDue()
	sizes, _ := h.broker.Sizes(ctx, "cleanup")
	if sizes.Ready != 0 {
		t.Fatal("a non-leader must not promote")
	}
}

// ---------------------------------------------------------------------------
// Delay promotion
// ---------------------------------------------------------------------------

func TestPromoteDue(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	// Enqueue into the delayed set, then let the entry fall due.
	due := time.Now().Add(20 * time.Millisecond)
	_ = h.broker.Enqueue(ctx, "cleanup", broker.JobRef{ID: id.NewJobID(), EnqueuedAt: time.Now()}, &due)
	time.Sleep(30 * time.Millisecond)

	h.sched.promoteDue()
	sizes, _ := h.broker.Sizes(ctx, "cleanup")
	if sizes.Ready != 1 || sizes.Delayed != 0 {
		t.Fatalf("expected promotion, got %+v", sizes)
	}
}

// ---------------------------------------------------------------------------
// Stall sweep
// ---------------------------------------------------------------------------

func stallJob(t *testing.T, h *harness, attempts, maxAttempts int) id.JobID {
	t.Helper()
	ctx := context.Background()

	j := &job.Job{
		Entity:      conductor.NewEntity(),
		ID:          id.NewJobID(),
		Queue:       "cleanup",
		Type:        "cleanup-expired-jobs",
		Status:      job.StatusActive,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
	if err := h.store.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = h.broker.Enqueue(ctx, "cleanup", broker.JobRef{ID: j.ID, EnqueuedAt: time.Now()}, nil)
	if res, _ := h.broker.Reserve(ctx, "cleanup", time.Nanosecond); res == nil {
		t.Fatal("reserve for stall setup failed")
	}
	time.Sleep(time.Millisecond) // let the lease lapse
	return j.ID
}

func TestStallSweep_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t, true)
	h.putQueue(t, "cleanup", defaultCfg())
	jobID := stallJob(t, h, 1, 3)

	h.sched.stallSweep()

	j, _ := h.store.GetJob(context.Background(), jobID)
	if j.Status != job.StatusWaiting {
		t.Fatalf("expected waiting after sweep, got %s", j.Status)
	}
	if j.StalledAt == nil {
		t.Fatal("stalled_at must be stamped")
	}
	if j.DelayUntil == nil || time.Until(*j.DelayUntil) < time.Second {
		t.Fatal("retry must carry the configured backoff")
	}

	sizes, _ := h.broker.Sizes(context.Background(), "cleanup")
	if sizes.Delayed != 1 || sizes.InFlight != 0 {
		t.Fatalf("expected delayed requeue, got %+v", sizes)
	}
}

func TestStallSweep_ExhaustedFails(t *testing.T) {
	h := newHarness(t, true)
	h.putQueue(t, "cleanup", defaultCfg())
	jobID := stallJob(t, h, 3, 3)

	h.sched.stallSweep()

	j, _ := h.store.GetJob(context.Background(), jobID)
	if j.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", j.Status)
	}
	if !strings.Contains(j.Error, "stalled") || !strings.Contains(j.Error, "3 attempts") {
		t.Fatalf("failure reason must name the stall: %q", j.Error)
	}
	if j.FailedAt == nil {
		t.Fatal("failed_at must be stamped")
	}
}

// ---------------------------------------------------------------------------
// Metrics refresh and health
// ---------------------------------------------------------------------------

func TestRefreshMetrics(t *testing.T) {
	h := newHarness(t, true)
	h.putQueue(t, "video-analysis", defaultCfg())
	ctx := context.Background()

	now := time.Now().UTC()
	for range 3 {
		j := &job.Job{
			Entity: conductor.NewEntity(), ID: id.NewJobID(),
			Queue: "video-analysis", Type: "analyze-video",
			Status: job.StatusCompleted, ProcessingTimeMS: 120,
		}
		j.CompletedAt = &now
		_ = h.store.CreateJob(ctx, j)
	}
	for range 5 {
		j := &job.Job{
			Entity: conductor.NewEntity(), ID: id.NewJobID(),
			Queue: "video-analysis", Type: "analyze-video",
			Status: job.StatusFailed,
		}
		_ = h.store.CreateJob(ctx, j)
	}

	h.sched.refreshMetrics()

	d, _ := h.store.GetQueue(ctx, "video-analysis")
	if d.AvgProcessingTimeMS != 120 {
		t.Fatalf("avg processing time: %d", d.AvgProcessingTimeMS)
	}
	if d.ProcessingRatePerMin <= 0 {
		t.Fatalf("rate not computed: %f", d.ProcessingRatePerMin)
	}
	if d.LastProcessedAt == nil {
		t.Fatal("last processed at not set")
	}
	// failed(5) > completed(3) within the window.
	if d.HealthStatus != queue.HealthError {
		t.Fatalf("expected error health, got %s", d.HealthStatus)
	}
	if d.LastHealthCheck == nil {
		t.Fatal("last health check not stamped")
	}
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

func TestTrimRetention(t *testing.T) {
	h := newHarness(t, true)
	cfg := defaultCfg()
	cfg.RetainCompleted = 1
	cfg.RetainFailed = 100
	h.putQueue(t, "cleanup", cfg)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := range 4 {
		j := &job.Job{
			Entity: conductor.NewEntity(), ID: id.NewJobID(),
			Queue: "cleanup", Type: "cleanup-expired-jobs",
			Status: job.StatusCompleted,
		}
		done := base.Add(time.Duration(i) * time.Minute)
		j.CompletedAt = &done
		_ = h.store.CreateJob(ctx, j)
	}

	h.sched.trimRetention()

	_, total, _ := h.store.QueryJobs(ctx, job.Filter{Queue: "cleanup", Status: job.StatusCompleted}, job.Page{})
	if total != 1 {
		t.Fatalf("expected 1 completed kept, got %d", total)
	}
}

// ---------------------------------------------------------------------------
// Cron
// ---------------------------------------------------------------------------

func TestCron_RegisterAndFire(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	payload := json.RawMessage(`{"older_than_days":30}`)
	name, err := h.sched.RegisterEntry(ctx, "cleanup", "cleanup-expired-jobs", payload, "0 2 * * *", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if name == "" {
		t.Fatal("registration must return the entry name")
	}

	// Force the entry due and tick.
	entry, _ := h.store.GetCronByName(ctx, name)
	past := time.Now().UTC().Add(-time.Minute)
	entry.NextRunAt = &past
	_ = h.store.UpdateCron(ctx, entry)

	h.sched.cronTick()
	if h.submits.Load() != 1 {
		t.Fatalf("expected exactly one submission, got %d", h.submits.Load())
	}
	sub := h.lastSub.Load()
	if sub.queue != "cleanup" || sub.typ != "cleanup-expired-jobs" || string(sub.payload) != string(payload) {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	// The entry was rescheduled into the future; an immediate second tick
	// must not double-fire.
	h.sched.cronTick()
	if h.submits.Load() != 1 {
		t.Fatalf("entry double-fired: %d", h.submits.Load())
	}

	after, _ := h.store.GetCronByName(ctx, name)
	if after.LastRunAt == nil || after.NextRunAt == nil || !after.NextRunAt.After(time.Now().UTC()) {
		t.Fatalf("entry bookkeeping wrong: %+v", after)
	}
}

func TestCron_DuplicateRegistrationsAreIndependent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	a, _ := h.sched.RegisterEntry(ctx, "cleanup", "cleanup-expired-jobs", nil, "0 2 * * *", "")
	b, _ := h.sched.RegisterEntry(ctx, "cleanup", "cleanup-expired-jobs", nil, "0 2 * * *", "")
	if a == b {
		t.Fatal("identical registrations must yield independent entries")
	}

	for _, name := range []string{a, b} {
		entry, _ := h.store.GetCronByName(ctx, name)
		past := time.Now().UTC().Add(-time.Minute)
		entry.NextRunAt = &past
		_ = h.store.UpdateCron(ctx, entry)
	}

	h.sched.cronTick()
	if h.submits.Load() != 2 {
		t.Fatalf("both entries should fire, got %d", h.submits.Load())
	}
}

func TestCron_InvalidExpressionRejected(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.sched.RegisterEntry(context.Background(), "cleanup", "t", nil, "not a cron", "")
	if !errors.Is(err, conductor.ErrInvalidCron) {
		t.Fatalf("expected ErrInvalidCron, got %v", err)
	}
}

func TestCron_CancelStopsFutureFires(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	name, _ := h.sched.RegisterEntry(ctx, "cleanup", "cleanup-expired-jobs", nil, "@every 1s", "")
	if err := h.sched.CancelEntry(ctx, name); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	h.sched.cronTick()
	if h.submits.Load() != 0 {
		t.Fatal("cancelled entry must not fire")
	}

	if err := h.sched.CancelEntry(ctx, name); !errors.Is(err, conductor.ErrCronNotFound) {
		t.Fatalf("double cancel should be not found, got %v", err)
	}
}

func TestCron_Trigger(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	name, _ := h.sched.RegisterEntry(ctx, "cleanup", "cleanup-expired-jobs", nil, "0 2 * * *", "")

	jobID, err := h.sched.TriggerEntry(ctx, name)
	if err != nil || jobID.IsNil() {
		t.Fatalf("trigger: %v", err)
	}
	if h.submits.Load() != 1 {
		t.Fatalf("trigger must submit, got %d", h.submits.Load())
	}

	// Disabled entries are not triggerable.
	entry, _ := h.store.GetCronByName(ctx, name)
	entry.Enabled = false
	_ = h.store.UpdateCron(ctx, entry)
	if _, err := h.sched.TriggerEntry(ctx, name); !errors.Is(err, conductor.ErrNotTriggerable) {
		t.Fatalf("expected ErrNotTriggerable, got %v", err)
	}

	if _, err := h.sched.TriggerEntry(ctx, "unknown"); !errors.Is(err, conductor.ErrNotTriggerable) {
		t.Fatalf("unknown entry should be ErrNotTriggerable, got %v", err)
	}
}
