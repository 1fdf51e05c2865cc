package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	brokermem "github.com/embermedia/conductor/broker/memory"
	"github.com/embermedia/conductor/control"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	storemem "github.com/embermedia/conductor/store/memory"
)

var (
	producer = control.Identity{Owner: "u1"}
	operator = control.Identity{Owner: "ops", Admin: true}
)

// fastConfig shrinks every timer so scenarios settle in milliseconds.
func fastConfig() conductor.Config {
	cfg := conductor.DefaultConfig()
	cfg.Concurrency = 2
	cfg.RetryDelay = 50 * time.Millisecond
	cfg.HandlerTimeout = 150 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PromoteInterval = 20 * time.Millisecond
	cfg.StallSweepInterval = 50 * time.Millisecond
	cfg.MetricsInterval = 100 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, cfg conductor.Config, defs ...*job.Definition) *Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := Build(cfg,
		WithStore(storemem.New()),
		WithBroker(brokermem.New()),
		WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, def := range defs {
		if err := eng.RegisterHandler(def); err != nil {
			t.Fatalf("register %s/%s: %v", def.Queue, def.Type, err)
		}
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

func waitStatus(t *testing.T, eng *Engine, ident control.Identity, jobID id.JobID, want job.Status, within time.Duration) *control.JobView {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		view, err := eng.Plane().Inspect(context.Background(), ident, jobID)
		if err == nil && view.Status == want {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	view, err := eng.Plane().Inspect(context.Background(), ident, jobID)
	t.Fatalf("job %s never reached %s (last: %+v, err: %v)", jobID, want, view, err)
	return nil
}

// ---------------------------------------------------------------------------
// Scenario: happy path
// ---------------------------------------------------------------------------

func TestEndToEnd_HappyPath(t *testing.T) {
	eng := startEngine(t, fastConfig(), &job.Definition{
		Queue: "notifications",
		Type:  "send-notification",
		Handler: job.HandlerFunc(func(_ context.Context, j *job.Job) (json.RawMessage, error) {
			var payload struct {
				User string `json:"user"`
				Msg  string `json:"msg"`
			}
			if err := json.Unmarshal(j.Payload, &payload); err != nil {
				return nil, conductor.Fatal(err)
			}
			time.Sleep(40 * time.Millisecond)
			return json.RawMessage(`{"delivered_to":"` + payload.User + `"}`), nil
		}),
	})

	jobID, err := eng.Plane().Submit(context.Background(), producer, control.SubmitRequest{
		Queue:       "notifications",
		Type:        "send-notification",
		Payload:     json.RawMessage(`{"user":"u1","msg":"hi"}`),
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := waitStatus(t, eng, producer, jobID, job.StatusCompleted, 3*time.Second)
	if view.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", view.Attempts)
	}
	if view.ProcessingTimeMS < 30 {
		t.Fatalf("processing time should reflect the ~40ms handler: %d", view.ProcessingTimeMS)
	}
	if view.Placement != broker.PlacementNone {
		t.Fatalf("terminal job must leave the broker, got %s", view.Placement)
	}
}

// ---------------------------------------------------------------------------
// Scenario: retry then success
// ---------------------------------------------------------------------------

func TestEndToEnd_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	eng := startEngine(t, fastConfig(), &job.Definition{
		Queue: "notifications",
		Type:  "send-notification",
		Handler: job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("worker returned 503")
			}
			return json.RawMessage(`{}`), nil
		}),
	})

	jobID, _ := eng.Plane().Submit(context.Background(), producer, control.SubmitRequest{
		Queue: "notifications", Type: "send-notification",
		Payload: json.RawMessage(`{}`), MaxAttempts: 3,
	})

	view := waitStatus(t, eng, producer, jobID, job.StatusCompleted, 5*time.Second)
	if view.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", view.Attempts)
	}
	// The retry waited at least the configured base delay.
	if view.CompletedAt.Sub(view.CreatedAt) < 50*time.Millisecond {
		t.Fatalf("completion arrived before the backoff elapsed: %s", view.CompletedAt.Sub(view.CreatedAt))
	}
}

// ---------------------------------------------------------------------------
// Scenario: exhaustion
// ---------------------------------------------------------------------------

func TestEndToEnd_Exhaustion(t *testing.T) {
	eng := startEngine(t, fastConfig(), &job.Definition{
		Queue: "notifications",
		Type:  "send-notification",
		Handler: job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
			return nil, errors.New("worker returned 500")
		}),
	})

	jobID, _ := eng.Plane().Submit(context.Background(), producer, control.SubmitRequest{
		Queue: "notifications", Type: "send-notification",
		Payload: json.RawMessage(`{}`), MaxAttempts: 2,
	})

	view := waitStatus(t, eng, producer, jobID, job.StatusFailed, 5*time.Second)
	if view.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", view.Attempts)
	}
	if view.Error == "" {
		t.Fatal("terminal failure must record the error")
	}
	if view.Placement != broker.PlacementNone {
		t.Fatalf("failed job must leave every broker set, got %s", view.Placement)
	}
}

// ---------------------------------------------------------------------------
// Scenario: cancel a delayed job
// ---------------------------------------------------------------------------

func TestEndToEnd_CancelDelayed(t *testing.T) {
	eng := startEngine(t, fastConfig(), &job.Definition{
		Queue: "notifications",
		Type:  "send-notification",
		Handler: job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
			t.Error("a cancelled job must never run")
			return nil, nil
		}),
	})
	ctx := context.Background()

	jobID, _ := eng.Plane().Submit(ctx, producer, control.SubmitRequest{
		Queue: "notifications", Type: "send-notification",
		Payload: json.RawMessage(`{}`), Delay: time.Minute,
	})

	if err := eng.Plane().Cancel(ctx, producer, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	view, _ := eng.Plane().Inspect(ctx, producer, jobID)
	if view.Status != job.StatusFailed || view.Error != "cancelled" {
		t.Fatalf("cancel record wrong: %s %q", view.Status, view.Error)
	}

	sizes, _ := eng.Plane().Broker().Sizes(ctx, "notifications")
	if sizes.Delayed != 0 {
		t.Fatalf("delayed set must be drained: %+v", sizes)
	}
}

// ---------------------------------------------------------------------------
// Scenario: stall and recovery
// ---------------------------------------------------------------------------

func TestEndToEnd_StallRecovers(t *testing.T) {
	var calls atomic.Int32
	eng := startEngine(t, fastConfig(), &job.Definition{
		Queue:   "notifications",
		Type:    "send-notification",
		Timeout: 60 * time.Millisecond,
		Handler: job.HandlerFunc(func(ctx context.Context, _ *job.Job) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				// Hang past the lease; the slot abandons the attempt.
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return json.RawMessage(`{}`), nil
		}),
	})

	jobID, _ := eng.Plane().Submit(context.Background(), producer, control.SubmitRequest{
		Queue: "notifications", Type: "send-notification",
		Payload: json.RawMessage(`{}`), MaxAttempts: 3,
	})

	view := waitStatus(t, eng, producer, jobID, job.StatusCompleted, 10*time.Second)
	if view.Attempts < 2 {
		t.Fatalf("expected a second attempt after the stall, got %d", view.Attempts)
	}
	if view.StalledAt == nil {
		t.Fatal("the stall sweep must stamp stalled_at")
	}
}

// ---------------------------------------------------------------------------
// Scenario: recurring submission
// ---------------------------------------------------------------------------

func TestEndToEnd_RecurringFires(t *testing.T) {
	var fires atomic.Int32
	eng := startEngine(t, fastConfig(), &job.Definition{
		Queue: "cleanup",
		Type:  "cleanup-expired-jobs",
		Handler: job.HandlerFunc(func(_ context.Context, _ *job.Job) (json.RawMessage, error) {
			fires.Add(1)
			return json.RawMessage(`{}`), nil
		}),
	})
	ctx := context.Background()

	name, err := eng.Plane().ScheduleRepeating(ctx, operator, "cleanup", "cleanup-expired-jobs",
		json.RawMessage(`{"older_than_days":30}`), "@every 1s")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && fires.Load() == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if fires.Load() == 0 {
		t.Fatal("the cron entry never fired")
	}

	if err := eng.Plane().CancelSchedule(ctx, operator, name); err != nil {
		t.Fatalf("cancel schedule: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

func TestEndToEnd_PriorityOrdering(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1 // serialize dispatch to observe order

	var mu sync.Mutex
	var order []string
	eng := startEngine(t, cfg, &job.Definition{
		Queue: "report-generation",
		Type:  "generate-report",
		Handler: job.HandlerFunc(func(_ context.Context, j *job.Job) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, j.ID.String())
			mu.Unlock()
			return json.RawMessage(`{}`), nil
		}),
	})
	ctx := context.Background()

	// Pause so the backlog accumulates, then release.
	if err := eng.Plane().PauseQueue(ctx, operator, "report-generation"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	lowFirst, _ := eng.Plane().Submit(ctx, producer, control.SubmitRequest{
		Queue: "report-generation", Type: "generate-report", Payload: json.RawMessage(`{"report_id":1}`),
	})
	lowSecond, _ := eng.Plane().Submit(ctx, producer, control.SubmitRequest{
		Queue: "report-generation", Type: "generate-report", Payload: json.RawMessage(`{"report_id":2}`),
	})
	high, _ := eng.Plane().Submit(ctx, producer, control.SubmitRequest{
		Queue: "report-generation", Type: "generate-report", Payload: json.RawMessage(`{"report_id":3}`), Priority: 10,
	})

	if err := eng.Plane().ResumeQueue(ctx, operator, "report-generation"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	for _, jobID := range []id.JobID{lowFirst, lowSecond, high} {
		waitStatus(t, eng, producer, jobID, job.StatusCompleted, 5*time.Second)
	}

	want := []string{high.String(), lowFirst.String(), lowSecond.String()}
	if len(order) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}
