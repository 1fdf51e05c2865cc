package postgres

// migrations are applied in order by Migrate. Statements are idempotent so
// restarting a replica is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conductor_jobs (
		id                 TEXT PRIMARY KEY,
		queue              TEXT NOT NULL,
		type               TEXT NOT NULL,
		payload            JSONB,
		owner              TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		priority           INTEGER NOT NULL DEFAULT 0,
		attempts           INTEGER NOT NULL DEFAULT 0,
		max_attempts       INTEGER NOT NULL DEFAULT 1,
		delay_until        TIMESTAMPTZ,
		result             JSONB,
		error              TEXT NOT NULL DEFAULT '',
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		retried_as         TEXT,
		started_at         TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ,
		failed_at          TIMESTAMPTZ,
		stalled_at         TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS conductor_jobs_queue_status_idx
		ON conductor_jobs (queue, status)`,
	`CREATE INDEX IF NOT EXISTS conductor_jobs_owner_idx
		ON conductor_jobs (owner)`,
	`CREATE INDEX IF NOT EXISTS conductor_jobs_created_at_idx
		ON conductor_jobs (created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS conductor_queues (
		name                    TEXT PRIMARY KEY,
		description             TEXT NOT NULL DEFAULT '',
		is_active               BOOLEAN NOT NULL DEFAULT TRUE,
		config                  JSONB NOT NULL,
		processing_rate_per_min DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_processing_time_ms  BIGINT NOT NULL DEFAULT 0,
		last_processed_at       TIMESTAMPTZ,
		health_status           TEXT NOT NULL DEFAULT 'healthy',
		last_health_check       TIMESTAMPTZ,
		created_at              TIMESTAMPTZ NOT NULL,
		updated_at              TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conductor_crons (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		schedule     TEXT NOT NULL,
		queue        TEXT NOT NULL,
		type         TEXT NOT NULL,
		payload      JSONB,
		owner        TEXT NOT NULL DEFAULT '',
		enabled      BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_at  TIMESTAMPTZ,
		next_run_at  TIMESTAMPTZ,
		locked_by    TEXT NOT NULL DEFAULT '',
		locked_until TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conductor_workers (
		id           TEXT PRIMARY KEY,
		hostname     TEXT NOT NULL,
		queues       TEXT[] NOT NULL DEFAULT '{}',
		state        TEXT NOT NULL,
		last_seen    TIMESTAMPTZ NOT NULL,
		is_leader    BOOLEAN NOT NULL DEFAULT FALSE,
		leader_until TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,

	// Single-row leadership record; the CHECK pins the row count to one.
	`CREATE TABLE IF NOT EXISTS conductor_leadership (
		singleton  INTEGER PRIMARY KEY DEFAULT 1 CHECK (singleton = 1),
		worker_id  TEXT NOT NULL,
		held_until TIMESTAMPTZ NOT NULL
	)`,
}
