package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/cluster"
	"github.com/embermedia/conductor/id"
)

// RegisterWorker adds a worker to the registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conductor_workers (
			id, hostname, queues, state, last_seen, is_leader, leader_until,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			queues = EXCLUDED.queues,
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen,
			updated_at = NOW()`,
		w.ID.String(), w.Hostname, w.Queues, string(w.State),
		w.LastSeen, w.IsLeader, w.LeaderUntil, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conductor_workers WHERE id = $1`, workerID.String())
	if err != nil {
		return fmt.Errorf("conductor/postgres: deregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker refreshes a worker's last-seen timestamp.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_workers SET last_seen = NOW(), updated_at = NOW()
		WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, queues, state, last_seen, is_leader, leader_until,
			created_at, updated_at
		FROM conductor_workers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var result []*cluster.Worker
	for rows.Next() {
		var w cluster.Worker
		var workerID, state string
		if err := rows.Scan(&workerID, &w.Hostname, &w.Queues, &state,
			&w.LastSeen, &w.IsLeader, &w.LeaderUntil,
			&w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan worker: %w", err)
		}
		parsed, err := id.Parse(workerID)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: bad worker id %q: %w", workerID, err)
		}
		w.ID = parsed
		w.State = cluster.WorkerState(state)
		result = append(result, &w)
	}
	return result, rows.Err()
}

// AcquireLeadership attempts to take the singleton leadership row.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conductor_leadership (singleton, worker_id, held_until)
		VALUES (1, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			held_until = EXCLUDED.held_until
		WHERE conductor_leadership.worker_id = EXCLUDED.worker_id
			OR conductor_leadership.held_until <= NOW()`,
		workerID.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("conductor/postgres: acquire leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLeadership extends the current leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_leadership SET held_until = $2
		WHERE worker_id = $1`,
		workerID.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("conductor/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLeader returns the current leader, or nil when leadership has lapsed.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	var workerID string
	err := s.pool.QueryRow(ctx, `
		SELECT worker_id FROM conductor_leadership WHERE held_until > NOW()`,
	).Scan(&workerID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("conductor/postgres: get leader: %w", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.ID.String() == workerID {
			return w, nil
		}
	}
	// Leadership record without a registered worker row: report just the
	// identity so IsLeader checks still work.
	parsed, err := id.Parse(workerID)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: bad leader id %q: %w", workerID, err)
	}
	return &cluster.Worker{ID: parsed, IsLeader: true}, nil
}
