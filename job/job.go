package job

import (
	"encoding/json"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/id"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusWaiting means the job has been accepted and is waiting to be
	// picked up (possibly held in the delayed set until DelayUntil).
	StatusWaiting Status = "waiting"
	// StatusActive means a worker slot is currently executing the job.
	StatusActive Status = "active"
	// StatusCompleted means the job finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed, was cancelled, or exhausted its
	// attempts. Terminal.
	StatusFailed Status = "failed"
	// StatusStalled means the job's lease expired without an ack or nack.
	// The stall sweep either retries or terminates it.
	StatusStalled Status = "stalled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the durable record of one submission. The Store is authoritative
// for every field here; the broker holds only dispatch placement.
type Job struct {
	conductor.Entity

	ID          id.JobID        `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DelayUntil  *time.Time      `json:"delay_until,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`

	// ProcessingTimeMS is the duration of the most recent successful run.
	ProcessingTimeMS int64 `json:"processing_time_ms,omitempty"`

	// RetriedAs links a failed record to the fresh job an admin retry
	// created from it.
	RetriedAs id.JobID `json:"retried_as,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	StalledAt   *time.Time `json:"stalled_at,omitempty"`
}

// Clone returns a deep-enough copy: payload and result are shared (they are
// immutable after submission), pointer timestamps are copied.
func (j *Job) Clone() *Job {
	cp := *j
	cp.DelayUntil = copyTime(j.DelayUntil)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	cp.FailedAt = copyTime(j.FailedAt)
	cp.StalledAt = copyTime(j.StalledAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
