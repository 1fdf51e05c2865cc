// Package store defines the composite persistence contract. Each subsystem
// (job, queue, cron, cluster) declares its own store interface; a single
// backend implements all of them plus lifecycle.
package store

import (
	"context"

	"github.com/embermedia/conductor/cluster"
	"github.com/embermedia/conductor/cron"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
)

// Store is the full persistence contract an orchestrator backend provides.
type Store interface {
	job.Store
	queue.Store
	cron.Store
	cluster.Store

	// Migrate prepares the backing schema. No-op for schemaless backends.
	Migrate(ctx context.Context) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases backing resources.
	Close() error
}
