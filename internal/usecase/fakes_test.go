package usecase

import (
	"time"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

// fakeJobRepo scripts the JobRepository port per test.
type fakeJobRepo struct {
	createFn       func(domain.Job) (domain.Job, error)
	getFn          func(string) (domain.Job, error)
	findByKeyFn    func(string) (domain.Job, error)
	listFn         func(string, domain.JobStatus, int) ([]domain.Job, error)
	countRunningFn func(string) (int, error)
	metricsFn      func(string) (domain.Metrics, error)

	created []domain.Job
}

func (f *fakeJobRepo) Create(_ domain.Context, j domain.Job) (domain.Job, error) {
	if f.createFn != nil {
		return f.createFn(j)
	}
	f.created = append(f.created, j)
	return j, nil
}

func (f *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	if f.getFn != nil {
		return f.getFn(id)
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobRepo) FindByIdempotencyKey(_ domain.Context, key string) (domain.Job, error) {
	if f.findByKeyFn != nil {
		return f.findByKeyFn(key)
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobRepo) AcquireLease(domain.Context, string, time.Duration) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobRepo) Complete(domain.Context, string, string) error { return nil }

func (f *fakeJobRepo) Retry(domain.Context, string, string, string, time.Time) error { return nil }

func (f *fakeJobRepo) DeadLetter(domain.Context, string, string, string) error { return nil }

func (f *fakeJobRepo) ListByTenant(_ domain.Context, tenantID string, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if f.listFn != nil {
		return f.listFn(tenantID, status, limit)
	}
	return nil, nil
}

func (f *fakeJobRepo) CountRunning(_ domain.Context, tenantID string) (int, error) {
	if f.countRunningFn != nil {
		return f.countRunningFn(tenantID)
	}
	return 0, nil
}

func (f *fakeJobRepo) Metrics(_ domain.Context, tenantID string) (domain.Metrics, error) {
	if f.metricsFn != nil {
		return f.metricsFn(tenantID)
	}
	return domain.Metrics{}, nil
}

// fakeGate scripts admission decisions and records consumption.
type fakeGate struct {
	allowSubmission bool
	allowConcurrent bool
	submissionCalls int
	concurrentCalls int
}

func (g *fakeGate) AllowSubmission(domain.Context, string) bool {
	g.submissionCalls++
	return g.allowSubmission
}

func (g *fakeGate) AllowConcurrent(int) bool {
	g.concurrentCalls++
	return g.allowConcurrent
}

func allowAllGate() *fakeGate { return &fakeGate{allowSubmission: true, allowConcurrent: true} }
