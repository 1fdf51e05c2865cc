package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/queue"
)

// PutQueue inserts or replaces a descriptor.
func (s *Store) PutQueue(ctx context.Context, d *queue.Descriptor) error {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("conductor/postgres: encode queue config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conductor_queues (
			name, description, is_active, config,
			processing_rate_per_min, avg_processing_time_ms,
			last_processed_at, health_status, last_health_check,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			config = EXCLUDED.config,
			processing_rate_per_min = EXCLUDED.processing_rate_per_min,
			avg_processing_time_ms = EXCLUDED.avg_processing_time_ms,
			last_processed_at = EXCLUDED.last_processed_at,
			health_status = EXCLUDED.health_status,
			last_health_check = EXCLUDED.last_health_check,
			updated_at = NOW()`,
		d.Name, d.Description, d.IsActive, cfg,
		d.ProcessingRatePerMin, d.AvgProcessingTimeMS,
		d.LastProcessedAt, string(d.HealthStatus), d.LastHealthCheck,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: put queue: %w", err)
	}
	return nil
}

const queueColumns = `name, description, is_active, config,
	processing_rate_per_min, avg_processing_time_ms, last_processed_at,
	health_status, last_health_check, created_at, updated_at`

// GetQueue retrieves a descriptor by name.
func (s *Store) GetQueue(ctx context.Context, name string) (*queue.Descriptor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM conductor_queues WHERE name = $1`, name)

	d, err := scanQueue(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrQueueNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get queue: %w", err)
	}
	return d, nil
}

// ListQueues returns all descriptors sorted by name.
func (s *Store) ListQueues(ctx context.Context) ([]*queue.Descriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queueColumns+` FROM conductor_queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: list queues: %w", err)
	}
	defer rows.Close()

	var result []*queue.Descriptor
	for rows.Next() {
		d, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan queue: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanRow is the common subset of pgx.Row and pgx.Rows.
type scanRow interface {
	Scan(dest ...any) error
}

func scanQueue(row scanRow) (*queue.Descriptor, error) {
	var d queue.Descriptor
	var cfg []byte
	var health string

	err := row.Scan(&d.Name, &d.Description, &d.IsActive, &cfg,
		&d.ProcessingRatePerMin, &d.AvgProcessingTimeMS, &d.LastProcessedAt,
		&health, &d.LastHealthCheck, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &d.Config); err != nil {
		return nil, fmt.Errorf("decode queue config: %w", err)
	}
	d.HealthStatus = queue.HealthStatus(health)
	return &d, nil
}
