// Package usecase contains application business logic services.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

// SubmitService validates input, enforces idempotency and admission, and
// writes pending jobs.
type SubmitService struct {
	Jobs domain.JobRepository
	Gate domain.RateGate
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(jobs domain.JobRepository, gate domain.RateGate) SubmitService {
	return SubmitService{Jobs: jobs, Gate: gate}
}

var traceEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

func newTraceID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), traceEntropy)
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Submit admits and persists one job. The order matters: an idempotency-key
// hit returns the original job before any gate is consulted, so replays do
// not consume rate-gate tokens or get a fresh trace id.
func (s SubmitService) Submit(ctx domain.Context, tenantID string, payload json.RawMessage, idemKey string) (domain.Job, error) {
	if tenantID == "" {
		return domain.Job{}, fmt.Errorf("%w: tenantId required", domain.ErrInvalidArgument)
	}
	if len(payload) == 0 || string(payload) == "null" {
		return domain.Job{}, fmt.Errorf("%w: payload required", domain.ErrInvalidArgument)
	}

	if idemKey != "" {
		j, err := s.Jobs.FindByIdempotencyKey(ctx, idemKey)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}

	if !s.Gate.AllowSubmission(ctx, tenantID) {
		return domain.Job{}, domain.ErrSubmissionLimited
	}

	running, err := s.Jobs.CountRunning(ctx, tenantID)
	if err != nil {
		return domain.Job{}, err
	}
	if !s.Gate.AllowConcurrent(running) {
		return domain.Job{}, domain.ErrConcurrencyLimited
	}

	j := domain.Job{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Status:     domain.JobPending,
		Payload:    payload,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
		TraceID:    newTraceID(),
	}
	if idemKey != "" {
		j.IdempotencyKey = &idemKey
	}

	created, err := s.Jobs.Create(ctx, j)
	if err != nil {
		// Lost race between two submissions sharing a key: the unique
		// constraint fired, so the winner's row is now visible. The consumed
		// rate token is not refunded.
		if idemKey != "" && errors.Is(err, domain.ErrConflict) {
			if existing, ferr := s.Jobs.FindByIdempotencyKey(ctx, idemKey); ferr == nil {
				return existing, nil
			}
		}
		return domain.Job{}, err
	}
	slog.Debug("job submitted",
		slog.String("job_id", created.ID),
		slog.String("tenant_id", tenantID),
		slog.String("trace_id", created.TraceID))
	return created, nil
}
