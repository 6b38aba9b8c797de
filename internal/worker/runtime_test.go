package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

type retryCall struct {
	jobID, workerID, errMsg string
	releaseAt               time.Time
}

type dlqCall struct {
	jobID, workerID, finalError string
}

// fakeJobRepo scripts lease results and records transitions.
type fakeJobRepo struct {
	mu sync.Mutex

	leases   []domain.Job
	leaseErr error

	completeErr error

	completed []string
	retries   []retryCall
	dlq       []dlqCall
}

func (f *fakeJobRepo) AcquireLease(_ domain.Context, workerID string, _ time.Duration) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.leases) == 0 {
		if f.leaseErr != nil {
			return domain.Job{}, f.leaseErr
		}
		return domain.Job{}, domain.ErrNotFound
	}
	j := f.leases[0]
	f.leases = f.leases[1:]
	j.Status = domain.JobRunning
	j.WorkerID = &workerID
	return j, nil
}

func (f *fakeJobRepo) Complete(_ domain.Context, jobID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, jobID+"/"+workerID)
	return nil
}

func (f *fakeJobRepo) Retry(_ domain.Context, jobID, workerID, errMsg string, releaseAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryCall{jobID, workerID, errMsg, releaseAt})
	return nil
}

func (f *fakeJobRepo) DeadLetter(_ domain.Context, jobID, workerID, finalError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, dlqCall{jobID, workerID, finalError})
	return nil
}

func (f *fakeJobRepo) Create(_ domain.Context, j domain.Job) (domain.Job, error) { return j, nil }
func (f *fakeJobRepo) Get(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (f *fakeJobRepo) FindByIdempotencyKey(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (f *fakeJobRepo) ListByTenant(domain.Context, string, domain.JobStatus, int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) CountRunning(domain.Context, string) (int, error) { return 0, nil }
func (f *fakeJobRepo) Metrics(domain.Context, string) (domain.Metrics, error) {
	return domain.Metrics{}, nil
}

func newTestRuntime(repo *fakeJobRepo, h Handler) *Runtime {
	r := NewRuntime(repo, h)
	r.PollInterval = 5 * time.Millisecond
	return r
}

func TestProcessSuccessAcks(t *testing.T) {
	repo := &fakeJobRepo{}
	rt := newTestRuntime(repo, HandlerFunc(func(domain.Context, domain.Job) error { return nil }))

	rt.process(context.Background(), domain.Job{ID: "j-1", MaxRetries: 3})

	require.Len(t, repo.completed, 1)
	assert.Equal(t, "j-1/"+rt.ID, repo.completed[0])
	assert.Empty(t, repo.retries)
	assert.Empty(t, repo.dlq)
}

func TestProcessFailureSchedulesBackoff(t *testing.T) {
	repo := &fakeJobRepo{}
	rt := newTestRuntime(repo, HandlerFunc(func(domain.Context, domain.Job) error {
		return errors.New("boom")
	}))

	before := time.Now().UTC()
	rt.process(context.Background(), domain.Job{ID: "j-1", RetryCount: 0, MaxRetries: 3})

	require.Len(t, repo.retries, 1)
	call := repo.retries[0]
	assert.Equal(t, "j-1", call.jobID)
	assert.Equal(t, rt.ID, call.workerID)
	assert.Equal(t, "boom", call.errMsg)
	// First failure backs off 30s.
	assert.WithinDuration(t, before.Add(30*time.Second), call.releaseAt, 2*time.Second)
	assert.Empty(t, repo.dlq)
}

func TestProcessBackoffDoubles(t *testing.T) {
	repo := &fakeJobRepo{}
	rt := newTestRuntime(repo, HandlerFunc(func(domain.Context, domain.Job) error {
		return errors.New("boom")
	}))

	before := time.Now().UTC()
	rt.process(context.Background(), domain.Job{ID: "j-1", RetryCount: 2, MaxRetries: 3})

	require.Len(t, repo.retries, 1)
	assert.WithinDuration(t, before.Add(120*time.Second), repo.retries[0].releaseAt, 2*time.Second)
}

func TestProcessExhaustedRetriesDeadLetters(t *testing.T) {
	repo := &fakeJobRepo{}
	rt := newTestRuntime(repo, HandlerFunc(func(domain.Context, domain.Job) error {
		return errors.New("final boom")
	}))

	rt.process(context.Background(), domain.Job{ID: "j-1", RetryCount: 3, MaxRetries: 3})

	require.Len(t, repo.dlq, 1)
	assert.Equal(t, dlqCall{"j-1", rt.ID, "final boom"}, repo.dlq[0])
	assert.Empty(t, repo.retries)
	assert.Empty(t, repo.completed)
}

func TestProcessHandlerPanicIsAFailure(t *testing.T) {
	repo := &fakeJobRepo{}
	rt := newTestRuntime(repo, HandlerFunc(func(domain.Context, domain.Job) error {
		panic("kaboom")
	}))

	rt.process(context.Background(), domain.Job{ID: "j-1", RetryCount: 0, MaxRetries: 3})

	require.Len(t, repo.retries, 1)
	assert.Contains(t, repo.retries[0].errMsg, "handler panic")
}

func TestProcessLostLeaseDropsResult(t *testing.T) {
	repo := &fakeJobRepo{completeErr: domain.ErrConflict}
	rt := newTestRuntime(repo, HandlerFunc(func(domain.Context, domain.Job) error { return nil }))

	// Must not panic or fall through to retry/dead-letter.
	rt.process(context.Background(), domain.Job{ID: "j-1", MaxRetries: 3})
	assert.Empty(t, repo.retries)
	assert.Empty(t, repo.dlq)
}

func TestRunProcessesThenIdles(t *testing.T) {
	repo := &fakeJobRepo{leases: []domain.Job{{ID: "j-1", MaxRetries: 3}}}
	handled := make(chan string, 1)
	rt := newTestRuntime(repo, HandlerFunc(func(_ domain.Context, j domain.Job) error {
		handled <- j.ID
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	select {
	case id := <-handled:
		assert.Equal(t, "j-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not handled")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	require.Len(t, repo.completed, 1)
}

func TestRunSurvivesTransientLeaseErrors(t *testing.T) {
	repo := &fakeJobRepo{leaseErr: errors.New("connection refused")}
	rt := newTestRuntime(repo, SimulatedHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	// Let it hit the error path a few times, then stop.
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestNewRuntimeAssignsStableID(t *testing.T) {
	a := NewRuntime(&fakeJobRepo{}, SimulatedHandler{})
	b := NewRuntime(&fakeJobRepo{}, SimulatedHandler{})
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, DefaultPollInterval, a.PollInterval)
	assert.Equal(t, DefaultLeaseTTL, a.LeaseTTL)
}
