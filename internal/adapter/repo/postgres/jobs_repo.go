package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const jobColumns = `id, tenant_id, status, payload, idempotency_key, retry_count, max_retries,
	lease_expires_at, worker_id, created_at, started_at, completed_at, error_message, trace_id`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Status, &j.Payload, &j.IdempotencyKey,
		&j.RetryCount, &j.MaxRetries, &j.LeaseExpiresAt, &j.WorkerID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ErrorMessage, &j.TraceID,
	)
	return j, err
}

// Create inserts a new pending job and returns it. A unique-constraint
// violation on idempotency_key is mapped to domain.ErrConflict so the caller
// can resolve the duplicate-submission race deterministically.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, tenant_id, status, payload, idempotency_key, retry_count, max_retries, created_at, error_message, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.TenantID, j.Status, j.Payload, j.IdempotencyKey,
		j.RetryCount, j.MaxRetries, j.CreatedAt, j.ErrorMessage, j.TraceID)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.Job{}, fmt.Errorf("op=job.create: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads a job by idempotency key.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE idempotency_key=$1 LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// AcquireLease atomically claims the oldest eligible job for workerID and
// transitions it to running. Eligible means pending and released (backoff
// rewrites created_at into the future, which acts as a not-before gate) or
// running with an expired lease (steal-back from a presumed-crashed worker).
// FOR UPDATE SKIP LOCKED keeps concurrent workers from observing the same row
// as claimable. Returns domain.ErrNotFound when no job is eligible.
func (r *JobRepo) AcquireLease(ctx domain.Context, workerID string, leaseTTL time.Duration) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AcquireLease")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.acquire_lease: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	selectQ := `SELECT id, started_at FROM jobs
		WHERE (status='pending' AND created_at <= $1)
		   OR (status='running' AND lease_expires_at < $1)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	var id string
	var startedAt *time.Time
	if err := tx.QueryRow(ctx, selectQ, now).Scan(&id, &startedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.acquire_lease: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.acquire_lease: %w", err)
	}

	updateQ := `UPDATE jobs
		SET status='running', worker_id=$2, lease_expires_at=$3, started_at=COALESCE(started_at, $4)
		WHERE id=$1
		RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRow(ctx, updateQ, id, workerID, now.Add(leaseTTL), now))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.acquire_lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.acquire_lease: %w", err)
	}
	return j, nil
}

// Complete acknowledges a successful attempt. The update is conditional on
// the caller still holding the lease; zero rows affected means the lease was
// stolen and is reported as domain.ErrConflict.
func (r *JobRepo) Complete(ctx domain.Context, jobID, workerID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	q := `UPDATE jobs
		SET status='completed', completed_at=$3, worker_id=NULL, lease_expires_at=NULL
		WHERE id=$1 AND worker_id=$2 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// Retry releases a failed attempt back to pending with an incremented retry
// count. releaseAt rewrites created_at into the future so the job sits out
// its backoff before becoming eligible again. Lease-holder guarded.
func (r *JobRepo) Retry(ctx domain.Context, jobID, workerID, errMsg string, releaseAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Retry")
	defer span.End()
	q := `UPDATE jobs
		SET status='pending', retry_count=retry_count+1, worker_id=NULL, lease_expires_at=NULL,
		    error_message=$3, created_at=$4
		WHERE id=$1 AND worker_id=$2 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, errMsg, releaseAt)
	if err != nil {
		return fmt.Errorf("op=job.retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.retry: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// DeadLetter terminates a job whose retry budget is exhausted. In one
// transaction it snapshots the payload into dead_letter_jobs and moves the
// job to failed, clearing the lease fields. Lease-holder guarded.
func (r *JobRepo) DeadLetter(ctx domain.Context, jobID, workerID, finalError string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeadLetter")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.dead_letter: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var payload []byte
	var traceID string
	guardQ := `SELECT payload, trace_id FROM jobs
		WHERE id=$1 AND worker_id=$2 AND status='running'
		FOR UPDATE`
	if err := tx.QueryRow(ctx, guardQ, jobID, workerID).Scan(&payload, &traceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.dead_letter: lease not held: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=job.dead_letter: %w", err)
	}

	now := time.Now().UTC()
	insertQ := `INSERT INTO dead_letter_jobs (id, job_id, payload, final_error, failed_at, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := tx.Exec(ctx, insertQ, uuid.New().String(), jobID, payload, finalError, now, traceID); err != nil {
		return fmt.Errorf("op=job.dead_letter: %w", err)
	}

	updateQ := `UPDATE jobs
		SET status='failed', error_message=$2, worker_id=NULL, lease_expires_at=NULL
		WHERE id=$1`
	if _, err := tx.Exec(ctx, updateQ, jobID, finalError); err != nil {
		return fmt.Errorf("op=job.dead_letter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.dead_letter: %w", err)
	}
	return nil
}

// ListByTenant returns the tenant's most recent jobs by created_at descending,
// optionally filtered by status.
func (r *JobRepo) ListByTenant(ctx domain.Context, tenantID string, status domain.JobStatus, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByTenant")
	defer span.End()

	var rows pgx.Rows
	var err error
	if status != "" {
		q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 AND status=$2 ORDER BY created_at DESC LIMIT $3`
		rows, err = r.Pool.Query(ctx, q, tenantID, status, limit)
	} else {
		q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 ORDER BY created_at DESC LIMIT $2`
		rows, err = r.Pool.Query(ctx, q, tenantID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return jobs, nil
}

// CountRunning returns the number of running jobs for a tenant. Feeds the
// concurrency admission check; always read fresh from the store.
func (r *JobRepo) CountRunning(ctx domain.Context, tenantID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountRunning")
	defer span.End()
	var n int
	q := `SELECT count(*) FROM jobs WHERE tenant_id=$1 AND status='running'`
	if err := r.Pool.QueryRow(ctx, q, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_running: %w", err)
	}
	return n, nil
}

// Metrics aggregates job counts, optionally scoped to one tenant. Status
// buckets missing from the group-by are reported as zero. The dead-letter
// count is tenant-scoped by joining to the parent job.
func (r *JobRepo) Metrics(ctx domain.Context, tenantID string) (domain.Metrics, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Metrics")
	defer span.End()

	m := domain.Metrics{
		JobsByStatus: map[domain.JobStatus]int64{
			domain.JobPending:   0,
			domain.JobRunning:   0,
			domain.JobCompleted: 0,
			domain.JobFailed:    0,
		},
	}

	var rows pgx.Rows
	var err error
	if tenantID != "" {
		rows, err = r.Pool.Query(ctx, `SELECT status, count(*) FROM jobs WHERE tenant_id=$1 GROUP BY status`, tenantID)
	} else {
		rows, err = r.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	}
	if err != nil {
		return domain.Metrics{}, fmt.Errorf("op=job.metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.Metrics{}, fmt.Errorf("op=job.metrics: %w", err)
		}
		m.JobsByStatus[status] = n
		m.JobsTotal += n
	}
	if err := rows.Err(); err != nil {
		return domain.Metrics{}, fmt.Errorf("op=job.metrics: %w", err)
	}

	if tenantID != "" {
		q := `SELECT count(*) FROM dead_letter_jobs d JOIN jobs j ON j.id = d.job_id WHERE j.tenant_id=$1`
		err = r.Pool.QueryRow(ctx, q, tenantID).Scan(&m.DLQSize)
	} else {
		err = r.Pool.QueryRow(ctx, `SELECT count(*) FROM dead_letter_jobs`).Scan(&m.DLQSize)
	}
	if err != nil {
		return domain.Metrics{}, fmt.Errorf("op=job.metrics: %w", err)
	}
	return m, nil
}
