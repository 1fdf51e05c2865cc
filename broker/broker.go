// Package broker defines the queue broker contract: per-queue ready,
// delayed, and in-flight sets with exclusive lease-based reservations.
//
// The broker holds dispatch placement only. Job state, attempts, results
// and errors live in the job store; the worker pool is the one component
// that writes to both in the same logical step.
package broker

import (
	"context"
	"time"

	"github.com/embermedia/conductor/id"
)

// Placement names the broker set currently holding a job.
type Placement string

const (
	PlacementReady    Placement = "ready"
	PlacementDelayed  Placement = "delayed"
	PlacementInFlight Placement = "in_flight"
	// PlacementNone means the broker does not hold the job in any set;
	// for terminal jobs this is the invariant.
	PlacementNone Placement = "none"
)

// JobRef is the broker's view of a job: enough to order and dispatch it.
type JobRef struct {
	ID         id.JobID  `json:"id" msgpack:"id"`
	Priority   int       `json:"priority" msgpack:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
}

// Reservation is the exclusive right to execute a reserved job until
// Deadline. Token is unique across the lifetime of the job's lease; any
// ack/nack carrying a stale token is rejected with conductor.ErrBadToken.
type Reservation struct {
	Ref      JobRef
	Token    id.LeaseID
	Deadline time.Time
}

// Sizes reports per-set counts for one queue.
type Sizes struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	InFlight int `json:"in_flight"`
}

// Broker organizes eligible work per queue.
//
// Ordering: within one queue and one priority level, FIFO by enqueue time;
// across priorities, strictly higher priority first. No ordering across
// queues. Every operation is linearizable on a single queue; operations on
// distinct queues do not contend.
type Broker interface {
	// Enqueue places a job into ready, or into delayed when delayUntil is
	// in the future. Idempotent on id: re-enqueueing an id already present
	// in any set is a no-op.
	Enqueue(ctx context.Context, queue string, ref JobRef, delayUntil *time.Time) error

	// Reserve atomically pops the highest-priority/oldest ready job and
	// leases it for the given duration. Returns (nil, nil) when the queue
	// is empty or paused.
	Reserve(ctx context.Context, queue string, lease time.Duration) (*Reservation, error)

	// Ack removes a reserved job from in-flight. conductor.ErrBadToken if
	// the reservation expired or was stolen.
	Ack(ctx context.Context, queue string, jobID id.JobID, token id.LeaseID) error

	// Nack removes a reserved job from in-flight and, when requeueAfter is
	// non-nil, re-inserts it into delayed at now+requeueAfter. The worker
	// pool, not the broker, decides retry versus give-up.
	Nack(ctx context.Context, queue string, jobID id.JobID, token id.LeaseID, requeueAfter *time.Duration) error

	// Remove deletes the job from whichever set holds it. Reports whether
	// anything was removed. In-flight jobs are not removable (cancel on
	// active is refused upstream).
	Remove(ctx context.Context, queue string, jobID id.JobID) (bool, error)

	// PromoteDue moves delayed entries whose due time has arrived into
	// ready, preserving priority order. Idempotent for a fixed now.
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)

	// ReapExpiredLeases removes in-flight entries whose lease elapsed and
	// returns their ids for stall handling. The reaped tokens become
	// invalid: a late ack or nack gets conductor.ErrBadToken.
	ReapExpiredLeases(ctx context.Context, queue string, now time.Time) ([]id.JobID, error)

	// Sizes reports set counts for one queue.
	Sizes(ctx context.Context, queue string) (Sizes, error)

	// Peek returns up to limit refs from the given set without removing
	// them, in dispatch order (ready) or due order (delayed).
	Peek(ctx context.Context, queue string, p Placement, limit int) ([]JobRef, error)

	// Placement reports which set currently holds the job.
	Placement(ctx context.Context, queue string, jobID id.JobID) (Placement, error)

	// Pause stops Reserve from returning work for the queue. In-flight
	// jobs continue; ready jobs accumulate until Resume.
	Pause(ctx context.Context, queue string) error

	// Resume lifts a pause.
	Resume(ctx context.Context, queue string) error

	// Paused reports the pause flag.
	Paused(ctx context.Context, queue string) (bool, error)

	// Close releases broker resources.
	Close() error
}
