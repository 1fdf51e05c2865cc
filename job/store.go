package job

import (
	"context"
	"time"

	"github.com/embermedia/conductor/id"
)

// Filter selects jobs for Query. Zero values mean "any".
type Filter struct {
	Owner       string
	Queue       string
	Type        string
	Status      Status
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// Page controls pagination. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// Aggregate is one group-by row over (queue, type, status).
type Aggregate struct {
	Queue  string
	Type   string
	Status Status
	Count  int64

	// AvgProcessingTimeMS is the mean over completed jobs in the group;
	// zero for groups with no completions.
	AvgProcessingTimeMS int64

	// LastCompletedAt is the most recent completion in the group.
	LastCompletedAt *time.Time
}

// Store defines the persistence contract for job records.
//
// Implementations guarantee per-id linearizability: a read that follows a
// write of the same id observes that write. Query and Aggregate may lag
// in-flight updates from workers.
type Store interface {
	// CreateJob persists a new record. Fails with conductor.ErrDuplicateJob
	// if the id already exists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing record atomically with
	// respect to concurrent readers.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a record by id. Used by submit rollback when the
	// broker enqueue fails, so no phantom job survives.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// QueryJobs returns matching jobs sorted by created_at descending,
	// plus the total count before pagination.
	QueryJobs(ctx context.Context, f Filter, p Page) ([]*Job, int64, error)

	// AggregateJobs groups jobs created at or after since by
	// (queue, type, status).
	AggregateJobs(ctx context.Context, since time.Time) ([]Aggregate, error)

	// TrimRetention keeps the keepCompleted most recent completed and the
	// keepFailed most recent failed records for a queue, deleting older
	// terminal jobs. Returns the number removed.
	TrimRetention(ctx context.Context, queue string, keepCompleted, keepFailed int) (int64, error)

	// ExpireOlderThan hard-deletes jobs created before cutoff. When
	// terminalOnly is set, waiting/active/stalled records are spared.
	ExpireOlderThan(ctx context.Context, cutoff time.Time, terminalOnly bool) (int64, error)

	// PurgeJobs deletes jobs in a queue created before cutoff whose status
	// is in statuses (all statuses when empty). Used by queue clean.
	PurgeJobs(ctx context.Context, queue string, cutoff time.Time, statuses []Status) (int64, error)
}
