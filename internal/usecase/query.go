package usecase

import (
	"fmt"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

// DefaultListLimit bounds tenant job listings.
const DefaultListLimit = 50

// QueryService exposes read-only projections over the job store.
type QueryService struct {
	Jobs domain.JobRepository
}

// NewQueryService constructs a QueryService with its dependencies.
func NewQueryService(jobs domain.JobRepository) QueryService {
	return QueryService{Jobs: jobs}
}

// JobStatus returns the full job row or domain.ErrNotFound.
func (s QueryService) JobStatus(ctx domain.Context, jobID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("%w: jobId required", domain.ErrInvalidArgument)
	}
	return s.Jobs.Get(ctx, jobID)
}

// ListJobs returns a tenant's most recent jobs, optionally filtered by
// status. limit <= 0 or above the default is clamped to DefaultListLimit.
func (s QueryService) ListJobs(ctx domain.Context, tenantID string, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantId required", domain.ErrInvalidArgument)
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status)
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return s.Jobs.ListByTenant(ctx, tenantID, status, limit)
}

// RunningCount returns the number of running jobs for a tenant. Feeds the
// concurrency admission check in SubmitService.
func (s QueryService) RunningCount(ctx domain.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantId required", domain.ErrInvalidArgument)
	}
	return s.Jobs.CountRunning(ctx, tenantID)
}

// Metrics aggregates job counts; tenantID may be empty for a global view.
func (s QueryService) Metrics(ctx domain.Context, tenantID string) (domain.Metrics, error) {
	return s.Jobs.Metrics(ctx, tenantID)
}
