// Package cron defines recurring submission templates: named entries whose
// cron expressions the scheduler evaluates against its configured timezone,
// submitting a fresh job on each fire.
package cron

import (
	"encoding/json"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/id"
)

// Entry is one registered recurring submission. Registering the same
// schedule twice creates two independent entries firing independently;
// names are unique, generated from the entry id.
type Entry struct {
	conductor.Entity

	ID       id.CronID       `json:"id"`
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Queue    string          `json:"queue"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Owner    string          `json:"owner,omitempty"`
	Enabled  bool            `json:"enabled"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// LockedBy / LockedUntil implement the per-entry fire lock so a slow
	// tick on one replica cannot double-fire an entry.
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}
