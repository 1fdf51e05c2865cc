//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
	pgstore "github.com/embermedia/conductor/store/postgres"
)

// setupTestStore starts a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *pgstore.Store {
	t.Helper()

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("conductor_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := pgstore.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgres_JobLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := &job.Job{
		Entity:      conductor.NewEntity(),
		ID:          id.NewJobID(),
		Queue:       "notifications",
		Type:        "send-notification",
		Payload:     []byte(`{"user":"u1"}`),
		Owner:       "u1",
		Status:      job.StatusWaiting,
		MaxAttempts: 3,
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, conductor.ErrDuplicateJob) {
		t.Fatalf("duplicate create should fail, got %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != "u1" || got.Status != job.StatusWaiting {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	now := time.Now().UTC()
	got.Status = job.StatusCompleted
	got.CompletedAt = &now
	got.ProcessingTimeMS = 42
	got.Result = []byte(`{"ok":true}`)
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	final, _ := s.GetJob(ctx, j.ID)
	if final.Status != job.StatusCompleted || final.ProcessingTimeMS != 42 {
		t.Fatalf("update not persisted: %+v", final)
	}

	jobs, total, err := s.QueryJobs(ctx, job.Filter{Owner: "u1"}, job.Page{Limit: 10})
	if err != nil || total != 1 || len(jobs) != 1 {
		t.Fatalf("query: %v %d %d", err, total, len(jobs))
	}

	rows, err := s.AggregateJobs(ctx, now.Add(-time.Hour))
	if err != nil || len(rows) != 1 || rows[0].Count != 1 {
		t.Fatalf("aggregate: %v %+v", err, rows)
	}
}

func TestPostgres_QueueDescriptors(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cfg := queue.Config{
		Concurrency: 3, RetryAttempts: 2, RetryDelay: 2 * time.Second,
		RetainCompleted: 100, RetainFailed: 200, HandlerTimeout: time.Minute,
	}
	if err := s.PutQueue(ctx, queue.NewDescriptor("cleanup", cfg)); err != nil {
		t.Fatalf("put: %v", err)
	}

	d, err := s.GetQueue(ctx, "cleanup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Config.Concurrency != 3 || d.Config.RetryDelay != 2*time.Second {
		t.Fatalf("config round trip mismatch: %+v", d.Config)
	}

	d.IsActive = false
	if err := s.PutQueue(ctx, d); err != nil {
		t.Fatalf("replace: %v", err)
	}
	again, _ := s.GetQueue(ctx, "cleanup")
	if again.IsActive {
		t.Fatal("upsert must persist the pause flag")
	}
}

func TestPostgres_Leadership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := id.NewWorkerID()
	b := id.NewWorkerID()

	ok, err := s.AcquireLeadership(ctx, a, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if ok, _ := s.AcquireLeadership(ctx, b, time.Minute); ok {
		t.Fatal("live leadership must not transfer")
	}
	if ok, _ := s.RenewLeadership(ctx, a, time.Minute); !ok {
		t.Fatal("leader renew must succeed")
	}

	leader, err := s.GetLeader(ctx)
	if err != nil || leader == nil || leader.ID.String() != a.String() {
		t.Fatalf("leader: %v %+v", err, leader)
	}
}
