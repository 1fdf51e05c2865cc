package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/cron"
	"github.com/embermedia/conductor/id"
)

const cronColumns = `id, name, schedule, queue, type, payload, owner, enabled,
	last_run_at, next_run_at, locked_by, locked_until, created_at, updated_at`

// RegisterCron persists a new entry.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conductor_crons (`+cronColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.Queue, entry.Type,
		[]byte(entry.Payload), entry.Owner, entry.Enabled,
		entry.LastRunAt, entry.NextRunAt, entry.LockedBy, entry.LockedUntil,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves an entry by id.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM conductor_crons WHERE id = $1`,
		entryID.String(),
	)
	return s.scanCronRow(row)
}

// GetCronByName retrieves an entry by its unique name.
func (s *Store) GetCronByName(ctx context.Context, name string) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM conductor_crons WHERE name = $1`, name)
	return s.scanCronRow(row)
}

func (s *Store) scanCronRow(row scanRow) (*cron.Entry, error) {
	e, err := scanCron(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrCronNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get cron: %w", err)
	}
	return e, nil
}

// ListCrons returns all entries in creation order.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cronColumns+` FROM conductor_crons ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list crons: %w", err)
	}
	defer rows.Close()

	var result []*cron.Entry
	for rows.Next() {
		e, err := scanCron(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan cron: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// UpdateCron persists changes to an entry.
func (s *Store) UpdateCron(ctx context.Context, entry *cron.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_crons SET
			schedule = $2, queue = $3, type = $4, payload = $5, owner = $6,
			enabled = $7, last_run_at = $8, next_run_at = $9,
			locked_by = $10, locked_until = $11, updated_at = NOW()
		WHERE id = $1`,
		entry.ID.String(), entry.Schedule, entry.Queue, entry.Type,
		[]byte(entry.Payload), entry.Owner, entry.Enabled,
		entry.LastRunAt, entry.NextRunAt, entry.LockedBy, entry.LockedUntil,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: update cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes an entry by id.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conductor_crons WHERE id = $1`, entryID.String())
	if err != nil {
		return fmt.Errorf("conductor/postgres: delete cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrCronNotFound
	}
	return nil
}

// AcquireCronLock takes the per-entry fire lock via a conditional update.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_crons SET locked_by = $2, locked_until = $3
		WHERE id = $1 AND (
			locked_by = '' OR locked_by = $2 OR
			locked_until IS NULL OR locked_until <= NOW()
		)`,
		entryID.String(), workerID.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("conductor/postgres: acquire cron lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseCronLock releases the fire lock held by workerID.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conductor_crons SET locked_by = '', locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: release cron lock: %w", err)
	}
	return nil
}

func scanCron(row scanRow) (*cron.Entry, error) {
	var e cron.Entry
	var entryID string
	var payload []byte

	err := row.Scan(&entryID, &e.Name, &e.Schedule, &e.Queue, &e.Type,
		&payload, &e.Owner, &e.Enabled, &e.LastRunAt, &e.NextRunAt,
		&e.LockedBy, &e.LockedUntil, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := id.Parse(entryID)
	if err != nil {
		return nil, fmt.Errorf("bad cron id %q: %w", entryID, err)
	}
	e.ID = parsed
	e.Payload = payload
	return &e, nil
}
