package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
)

const jobColumns = `id, queue, type, payload, owner, status, priority, attempts,
	max_attempts, delay_until, result, error, processing_time_ms, retried_as,
	started_at, completed_at, failed_at, stalled_at, created_at, updated_at`

// CreateJob persists a new record.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conductor_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		j.ID.String(), j.Queue, j.Type, []byte(j.Payload), j.Owner,
		string(j.Status), j.Priority, j.Attempts, j.MaxAttempts, j.DelayUntil,
		[]byte(j.Result), j.Error, j.ProcessingTimeMS, nullableID(j.RetriedAs),
		j.StartedAt, j.CompletedAt, j.FailedAt, j.StalledAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conductor.ErrDuplicateJob
		}
		return fmt.Errorf("conductor/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conductor_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conductor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conductor/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing record.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conductor_jobs SET
			status = $2, priority = $3, attempts = $4, max_attempts = $5,
			delay_until = $6, result = $7, error = $8,
			processing_time_ms = $9, retried_as = $10,
			started_at = $11, completed_at = $12, failed_at = $13,
			stalled_at = $14, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), string(j.Status), j.Priority, j.Attempts, j.MaxAttempts,
		j.DelayUntil, []byte(j.Result), j.Error,
		j.ProcessingTimeMS, nullableID(j.RetriedAs),
		j.StartedAt, j.CompletedAt, j.FailedAt, j.StalledAt,
	)
	if err != nil {
		return fmt.Errorf("conductor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a record by id.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conductor_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("conductor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrJobNotFound
	}
	return nil
}

// QueryJobs returns matching jobs sorted by created_at descending.
func (s *Store) QueryJobs(ctx context.Context, f job.Filter, p job.Page) ([]*job.Job, int64, error) {
	where, args := buildFilter(f)

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conductor_jobs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("conductor/postgres: count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM conductor_jobs` + where +
		` ORDER BY created_at DESC, id DESC`
	if p.Limit > 0 {
		args = append(args, p.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("conductor/postgres: query jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// buildFilter renders a Filter into a WHERE clause.
func buildFilter(f job.Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}
	if f.Queue != "" {
		add("queue = $%d", f.Queue)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= $%d", f.CreatedFrom)
	}
	if !f.CreatedTo.IsZero() {
		add("created_at < $%d", f.CreatedTo)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// AggregateJobs groups jobs created at or after since.
func (s *Store) AggregateJobs(ctx context.Context, since time.Time) ([]job.Aggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue, type, status, COUNT(*),
			CASE WHEN status = 'completed'
				THEN COALESCE(AVG(processing_time_ms), 0)::BIGINT
				ELSE 0 END,
			MAX(completed_at)
		FROM conductor_jobs
		WHERE created_at >= $1
		GROUP BY queue, type, status
		ORDER BY queue, type, status`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: aggregate jobs: %w", err)
	}
	defer rows.Close()

	var result []job.Aggregate
	for rows.Next() {
		var a job.Aggregate
		var status string
		if err := rows.Scan(&a.Queue, &a.Type, &status, &a.Count,
			&a.AvgProcessingTimeMS, &a.LastCompletedAt); err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan aggregate: %w", err)
		}
		a.Status = job.Status(status)
		result = append(result, a)
	}
	return result, rows.Err()
}

// TrimRetention keeps the most recent terminal records for a queue.
// Each status is trimmed by one DELETE of the ids past the keep count.
func (s *Store) TrimRetention(ctx context.Context, queueName string, keepCompleted, keepFailed int) (int64, error) {
	trim := func(status string, keep int, orderCol string) (int64, error) {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			DELETE FROM conductor_jobs WHERE id IN (
				SELECT id FROM conductor_jobs
				WHERE queue = $1 AND status = $2
				ORDER BY %s DESC NULLS LAST
				OFFSET $3
			)`, orderCol),
			queueName, status, keep,
		)
		if err != nil {
			return 0, fmt.Errorf("conductor/postgres: trim %s: %w", status, err)
		}
		return tag.RowsAffected(), nil
	}

	completedRemoved, err := trim("completed", keepCompleted, "completed_at")
	if err != nil {
		return 0, err
	}
	failedRemoved, err := trim("failed", keepFailed, "failed_at")
	if err != nil {
		return completedRemoved, err
	}
	return completedRemoved + failedRemoved, nil
}

// ExpireOlderThan hard-deletes jobs created before cutoff.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff time.Time, terminalOnly bool) (int64, error) {
	query := `DELETE FROM conductor_jobs WHERE created_at < $1`
	if terminalOnly {
		query += ` AND status IN ('completed', 'failed')`
	}
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("conductor/postgres: expire jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeJobs deletes jobs in a queue created before cutoff, optionally
// restricted by status.
func (s *Store) PurgeJobs(ctx context.Context, queueName string, cutoff time.Time, statuses []job.Status) (int64, error) {
	query := `DELETE FROM conductor_jobs WHERE queue = $1 AND created_at < $2`
	args := []any{queueName, cutoff}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		args = append(args, ss)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("conductor/postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob reads one job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var jobID, status string
	var retriedAs *string
	var payload, result []byte

	err := row.Scan(&jobID, &j.Queue, &j.Type, &payload, &j.Owner, &status,
		&j.Priority, &j.Attempts, &j.MaxAttempts, &j.DelayUntil,
		&result, &j.Error, &j.ProcessingTimeMS, &retriedAs,
		&j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.StalledAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := id.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("conductor/postgres: bad job id %q: %w", jobID, err)
	}
	j.ID = parsed
	j.Status = job.Status(status)
	j.Payload = payload
	j.Result = result
	if j.RetriedAs, err = scanID(retriedAs); err != nil {
		return nil, fmt.Errorf("conductor/postgres: bad retried_as: %w", err)
	}
	return &j, nil
}

// collectJobs reads all rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conductor/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
