// Package cluster tracks the worker processes of a deployment and elects
// the single replica that runs the scheduler's periodic tasks. Election is
// store-backed: leadership is a TTL record renewed by the holder, so a
// crashed leader is replaced within one TTL.
package cluster

import (
	"context"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/id"
)

// WorkerState describes a registered worker process.
type WorkerState string

const (
	WorkerActive   WorkerState = "active"
	WorkerDraining WorkerState = "draining"
)

// Worker is one orchestrator process. Worker pools may run on every
// replica; only the leader runs scheduler tasks.
type Worker struct {
	conductor.Entity

	ID          id.WorkerID `json:"id"`
	Hostname    string      `json:"hostname"`
	Queues      []string    `json:"queues"`
	State       WorkerState `json:"state"`
	LastSeen    time.Time   `json:"last_seen"`
	IsLeader    bool        `json:"is_leader"`
	LeaderUntil *time.Time  `json:"leader_until,omitempty"`
}

// Store defines the persistence contract for cluster membership and
// leadership.
type Store interface {
	// RegisterWorker adds a worker to the registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker from the registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker refreshes a worker's last-seen timestamp.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// AcquireLeadership attempts to become the leader for ttl. Returns
	// true on success; false when another live leader holds the record.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the current leader's hold. Returns false if
	// workerID is not the leader.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil when leadership has
	// lapsed.
	GetLeader(ctx context.Context) (*Worker, error)
}

// IsLeader reports whether workerID currently holds leadership in s.
func IsLeader(ctx context.Context, s Store, workerID id.WorkerID) (bool, error) {
	leader, err := s.GetLeader(ctx)
	if err != nil {
		return false, err
	}
	return leader != nil && leader.ID.String() == workerID.String(), nil
}
