// Package memory provides a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing, development, and
// single-process deployments without durability requirements.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/cluster"
	"github.com/embermedia/conductor/cron"
	"github.com/embermedia/conductor/id"
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

// Store is the in-memory backend.
type Store struct {
	mu sync.RWMutex

	jobs    map[string]*job.Job
	queues  map[string]*queue.Descriptor
	crons   map[string]*cron.Entry
	workers map[string]*cluster.Worker

	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		queues:  make(map[string]*queue.Descriptor),
		crons:   make(map[string]*cron.Entry),
		workers: make(map[string]*cluster.Worker),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// CreateJob persists a new record.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conductor.ErrDuplicateJob
	}
	m.jobs[key] = j.Clone()
	return nil
}

// GetJob retrieves a job by id.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conductor.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing record.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return conductor.ErrJobNotFound
	}
	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// DeleteJob removes a record by id.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return conductor.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

func matches(j *job.Job, f job.Filter) bool {
	if f.Owner != "" && j.Owner != f.Owner {
		return false
	}
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if !f.CreatedFrom.IsZero() && j.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !j.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	return true
}

// QueryJobs returns matching jobs sorted by created_at descending.
func (m *Store) QueryJobs(_ context.Context, f job.Filter, p job.Page) ([]*job.Job, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if matches(j, f) {
			result = append(result, j.Clone())
		}
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.After(result[k].CreatedAt)
		}
		// TypeIDs are K-sortable; break exact-timestamp ties on id so
		// pagination stays stable.
		return strings.Compare(result[i].ID.String(), result[k].ID.String()) > 0
	})

	total := int64(len(result))
	if p.Offset > 0 {
		if p.Offset >= len(result) {
			return nil, total, nil
		}
		result = result[p.Offset:]
	}
	if p.Limit > 0 && len(result) > p.Limit {
		result = result[:p.Limit]
	}
	return result, total, nil
}

// AggregateJobs groups jobs created at or after since by (queue, type,
// status).
func (m *Store) AggregateJobs(_ context.Context, since time.Time) ([]job.Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type bucket struct {
		agg       job.Aggregate
		timeSumMS int64
		timed     int64
	}
	buckets := make(map[string]*bucket)

	for _, j := range m.jobs {
		if j.CreatedAt.Before(since) {
			continue
		}
		key := j.Queue + "\x00" + j.Type + "\x00" + string(j.Status)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{agg: job.Aggregate{Queue: j.Queue, Type: j.Type, Status: j.Status}}
			buckets[key] = b
		}
		b.agg.Count++
		if j.Status == job.StatusCompleted {
			b.timeSumMS += j.ProcessingTimeMS
			b.timed++
			if j.CompletedAt != nil &&
				(b.agg.LastCompletedAt == nil || j.CompletedAt.After(*b.agg.LastCompletedAt)) {
				at := *j.CompletedAt
				b.agg.LastCompletedAt = &at
			}
		}
	}

	rows := make([]job.Aggregate, 0, len(buckets))
	for _, b := range buckets {
		if b.timed > 0 {
			b.agg.AvgProcessingTimeMS = b.timeSumMS / b.timed
		}
		rows = append(rows, b.agg)
	}
	sort.Slice(rows, func(i, k int) bool {
		if rows[i].Queue != rows[k].Queue {
			return rows[i].Queue < rows[k].Queue
		}
		if rows[i].Type != rows[k].Type {
			return rows[i].Type < rows[k].Type
		}
		return rows[i].Status < rows[k].Status
	})
	return rows, nil
}

// TrimRetention keeps the most recent terminal records for a queue.
func (m *Store) TrimRetention(_ context.Context, queueName string, keepCompleted, keepFailed int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completed, failed []*job.Job
	for _, j := range m.jobs {
		if j.Queue != queueName {
			continue
		}
		switch j.Status {
		case job.StatusCompleted:
			completed = append(completed, j)
		case job.StatusFailed:
			failed = append(failed, j)
		}
	}

	removed := int64(0)
	removed += m.trimLocked(completed, keepCompleted, func(j *job.Job) time.Time {
		if j.CompletedAt != nil {
			return *j.CompletedAt
		}
		return j.CreatedAt
	})
	removed += m.trimLocked(failed, keepFailed, func(j *job.Job) time.Time {
		if j.FailedAt != nil {
			return *j.FailedAt
		}
		return j.CreatedAt
	})
	return removed, nil
}

// trimLocked removes all but the keep most recent jobs. Caller holds mu.
func (m *Store) trimLocked(jobs []*job.Job, keep int, at func(*job.Job) time.Time) int64 {
	if len(jobs) <= keep {
		return 0
	}
	sort.Slice(jobs, func(i, k int) bool {
		return at(jobs[i]).After(at(jobs[k]))
	})
	var removed int64
	for _, j := range jobs[keep:] {
		delete(m.jobs, j.ID.String())
		removed++
	}
	return removed
}

// ExpireOlderThan hard-deletes jobs created before cutoff.
func (m *Store) ExpireOlderThan(_ context.Context, cutoff time.Time, terminalOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, j := range m.jobs {
		if !j.CreatedAt.Before(cutoff) {
			continue
		}
		if terminalOnly && !j.Status.Terminal() {
			continue
		}
		delete(m.jobs, key)
		removed++
	}
	return removed, nil
}

// PurgeJobs deletes jobs in a queue created before cutoff whose status is
// in statuses (all when empty).
func (m *Store) PurgeJobs(_ context.Context, queueName string, cutoff time.Time, statuses []job.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statusSet := make(map[job.Status]struct{}, len(statuses))
	for _, s := range statuses {
		statusSet[s] = struct{}{}
	}

	var removed int64
	for key, j := range m.jobs {
		if j.Queue != queueName || !j.CreatedAt.Before(cutoff) {
			continue
		}
		if len(statusSet) > 0 {
			if _, ok := statusSet[j.Status]; !ok {
				continue
			}
		}
		delete(m.jobs, key)
		removed++
	}
	return removed, nil
}

// ──────────────────────────────────────────────────
// Queue store
// ──────────────────────────────────────────────────

// PutQueue inserts or replaces a descriptor.
func (m *Store) PutQueue(_ context.Context, d *queue.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	cp.UpdatedAt = time.Now().UTC()
	m.queues[d.Name] = &cp
	return nil
}

// GetQueue retrieves a descriptor by name.
func (m *Store) GetQueue(_ context.Context, name string) (*queue.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.queues[name]
	if !ok {
		return nil, conductor.ErrQueueNotFound
	}
	cp := *d
	return &cp, nil
}

// ListQueues returns all descriptors sorted by name.
func (m *Store) ListQueues(_ context.Context) ([]*queue.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*queue.Descriptor, 0, len(m.queues))
	for _, d := range m.queues {
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Name < result[k].Name
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Cron store
// ──────────────────────────────────────────────────

// RegisterCron persists a new entry.
func (m *Store) RegisterCron(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.crons[entry.ID.String()] = &cp
	return nil
}

// GetCron retrieves an entry by id.
func (m *Store) GetCron(_ context.Context, entryID id.CronID) (*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return nil, conductor.ErrCronNotFound
	}
	cp := *e
	return &cp, nil
}

// GetCronByName retrieves an entry by its unique name.
func (m *Store) GetCronByName(_ context.Context, name string) (*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.crons {
		if e.Name == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, conductor.ErrCronNotFound
}

// ListCrons returns all entries sorted by creation time.
func (m *Store) ListCrons(_ context.Context) ([]*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cron.Entry, 0, len(m.crons))
	for _, e := range m.crons {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// UpdateCron persists changes to an entry.
func (m *Store) UpdateCron(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	if _, ok := m.crons[key]; !ok {
		return conductor.ErrCronNotFound
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m.crons[key] = &cp
	return nil
}

// DeleteCron removes an entry by id.
func (m *Store) DeleteCron(_ context.Context, entryID id.CronID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.crons[key]; !ok {
		return conductor.ErrCronNotFound
	}
	delete(m.crons, key)
	return nil
}

// AcquireCronLock takes the per-entry fire lock.
func (m *Store) AcquireCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return false, conductor.ErrCronNotFound
	}

	now := time.Now().UTC()
	if e.LockedBy != "" && e.LockedUntil != nil && e.LockedUntil.After(now) &&
		e.LockedBy != workerID.String() {
		return false, nil
	}

	e.LockedBy = workerID.String()
	until := now.Add(ttl)
	e.LockedUntil = &until
	return true, nil
}

// ReleaseCronLock releases the fire lock held by workerID.
func (m *Store) ReleaseCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return conductor.ErrCronNotFound
	}
	if e.LockedBy != workerID.String() {
		return nil
	}
	e.LockedBy = ""
	e.LockedUntil = nil
	return nil
}

// ──────────────────────────────────────────────────
// Cluster store
// ──────────────────────────────────────────────────

// RegisterWorker adds a worker to the registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return conductor.ErrWorkerNotFound
	}
	delete(m.workers, key)
	return nil
}

// HeartbeatWorker refreshes a worker's last-seen timestamp.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return conductor.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// AcquireLeadership attempts to become the leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := workerID.String()

	if m.leader != "" && m.leaderUntil.After(now) && m.leader != key {
		return false, nil
	}

	m.leader = key
	m.leaderUntil = now.Add(ttl)
	if w, ok := m.workers[key]; ok {
		w.IsLeader = true
		until := m.leaderUntil
		w.LeaderUntil = &until
	}
	return true, nil
}

// RenewLeadership extends the current leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if m.leader != key {
		return false, nil
	}
	m.leaderUntil = time.Now().UTC().Add(ttl)
	if w, ok := m.workers[key]; ok {
		until := m.leaderUntil
		w.LeaderUntil = &until
	}
	return true, nil
}

// GetLeader returns the current leader, or nil when leadership has lapsed.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}
	w, ok := m.workers[m.leader]
	if !ok {
		// Leadership held without a registered worker: report just the
		// identity so IsLeader checks still work.
		parsed, err := id.Parse(m.leader)
		if err != nil {
			return nil, err
		}
		return &cluster.Worker{ID: parsed, IsLeader: true}, nil
	}
	cp := *w
	return &cp, nil
}
