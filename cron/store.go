package cron

import (
	"context"
	"time"

	"github.com/embermedia/conductor/id"
)

// Store defines the persistence contract for cron entries.
type Store interface {
	// RegisterCron persists a new entry.
	RegisterCron(ctx context.Context, entry *Entry) error

	// GetCron retrieves an entry by id.
	GetCron(ctx context.Context, entryID id.CronID) (*Entry, error)

	// GetCronByName retrieves an entry by its unique name.
	GetCronByName(ctx context.Context, name string) (*Entry, error)

	// ListCrons returns all entries.
	ListCrons(ctx context.Context) ([]*Entry, error)

	// UpdateCron persists changes to an entry (Enabled, NextRunAt, ...).
	UpdateCron(ctx context.Context, entry *Entry) error

	// DeleteCron removes an entry by id.
	DeleteCron(ctx context.Context, entryID id.CronID) error

	// AcquireCronLock takes the per-entry fire lock for ttl. Returns true
	// when acquired.
	AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseCronLock releases the fire lock. A release by a non-holder is
	// a no-op.
	ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error
}
