// Package postgres provides the pgx-backed implementation of store.Store.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/embermedia/conductor/cluster"
	"github.com/embermedia/conductor/cron"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
)

// Compile-time interface checks per subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ queue.Store   = (*Store)(nil)
	_ cron.Store    = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
)

// Store is the Postgres backend.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store from a connection string.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool creates a Store on an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("conductor/postgres: migrate: %w", err)
		}
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
