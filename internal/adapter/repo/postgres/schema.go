package postgres

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so every process can run them at startup.
// The partial unique index enforces idempotency-key uniqueness only where a
// key is present; dead_letter_jobs restricts deletion of the parent job.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
		payload          JSONB NOT NULL,
		idempotency_key  TEXT,
		retry_count      INT NOT NULL DEFAULT 0,
		max_retries      INT NOT NULL DEFAULT 3,
		lease_expires_at TIMESTAMPTZ,
		worker_id        TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ,
		error_message    TEXT NOT NULL DEFAULT '',
		trace_id         TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_key_uq
		ON jobs (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS jobs_tenant_id_idx ON jobs (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS jobs_lease_expires_at_idx ON jobs (lease_expires_at)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		id          TEXT PRIMARY KEY,
		job_id      TEXT NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE RESTRICT,
		payload     JSONB NOT NULL,
		final_error TEXT NOT NULL,
		failed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		trace_id    TEXT NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
