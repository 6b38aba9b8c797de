// Package domain holds the core entities and ports of the job queue.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// RateLimitError carries the human-readable admission-control message that is
// surfaced verbatim on 429 responses. It matches ErrRateLimited via errors.Is.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string { return e.Message }

// Is reports whether target is the rate-limited sentinel.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Admission denials. The two messages distinguish the submission-rate cap from
// the in-flight concurrency cap.
var (
	ErrSubmissionLimited  = &RateLimitError{Message: "Maximum 10 jobs per minute allowed"}
	ErrConcurrencyLimited = &RateLimitError{Message: "Maximum 5 concurrent jobs allowed"}
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Valid reports whether s is one of the four lifecycle statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// DefaultMaxRetries is fixed at job creation; a job is dead-lettered when a
// failure occurs with RetryCount equal to MaxRetries, i.e. after
// MaxRetries+1 attempts in total.
const DefaultMaxRetries = 3

// Job is a unit of tenant work moving through the lifecycle
// pending -> running -> {completed | pending (retry) | failed}.
//
// Invariants: WorkerID and LeaseExpiresAt are set iff Status is running;
// StartedAt is set on the first lease and never overwritten; RetryCount never
// exceeds MaxRetries.
type Job struct {
	ID             string
	TenantID       string
	Status         JobStatus
	Payload        json.RawMessage
	IdempotencyKey *string
	RetryCount     int
	MaxRetries     int
	LeaseExpiresAt *time.Time
	WorkerID       *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
	TraceID        string
}

// DeadLetterEntry is the terminal record for a job that exhausted its retry
// budget. Payload is a snapshot taken at dead-letter time; JobID is unique.
type DeadLetterEntry struct {
	ID         string
	JobID      string
	Payload    json.RawMessage
	FinalError string
	FailedAt   time.Time
	TraceID    string
}

// Metrics aggregates job counts. JobsByStatus always contains all four status
// buckets, zero-filled when a group-by returns no row for a status.
type Metrics struct {
	JobsTotal    int64
	JobsByStatus map[JobStatus]int64
	DLQSize      int64
}

// RetryBackoff returns the delay before a failed attempt re-enters rotation:
// 30s doubled per prior retry, capped at 10 minutes.
func RetryBackoff(retryCount int) time.Duration {
	const (
		base = 30 * time.Second
		cap  = 10 * time.Minute
	)
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 4 {
		return cap
	}
	d := base << uint(retryCount)
	if d > cap {
		return cap
	}
	return d
}

// Repositories (ports)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go

// JobRepository is the durable-store port. AcquireLease returns ErrNotFound
// when no job is eligible. Complete, Retry and DeadLetter are guarded by the
// lease holder: they return ErrConflict when the caller no longer holds the
// lease (another worker stole it after expiry).
type JobRepository interface {
	Create(ctx Context, j Job) (Job, error)
	Get(ctx Context, id string) (Job, error)
	FindByIdempotencyKey(ctx Context, key string) (Job, error)
	AcquireLease(ctx Context, workerID string, leaseTTL time.Duration) (Job, error)
	Complete(ctx Context, jobID, workerID string) error
	Retry(ctx Context, jobID, workerID, errMsg string, releaseAt time.Time) error
	DeadLetter(ctx Context, jobID, workerID, finalError string) error
	ListByTenant(ctx Context, tenantID string, status JobStatus, limit int) ([]Job, error)
	CountRunning(ctx Context, tenantID string) (int, error)
	Metrics(ctx Context, tenantID string) (Metrics, error)
}

// RateGate is the admission-control port. AllowSubmission fails open when the
// backing store is unreachable; AllowConcurrent is a pure policy check over a
// count read from the durable store and never fails open.
type RateGate interface {
	AllowSubmission(ctx Context, tenantID string) bool
	AllowConcurrent(runningCount int) bool
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
