// Package worker implements the long-running job processing loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	obs "github.com/fairyhunter13/tenant-jobqueue/internal/adapter/observability"
	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
	obsctx "github.com/fairyhunter13/tenant-jobqueue/internal/observability"
)

const (
	// DefaultPollInterval is the wait between lease attempts when the queue
	// is empty, and also the wait after a transient store error.
	DefaultPollInterval = 2 * time.Second
	// DefaultLeaseTTL bounds a single attempt; past it a peer may steal the
	// job back.
	DefaultLeaseTTL = 5 * time.Minute
)

// Handler executes one job attempt. Returning an error drives the retry /
// dead-letter branch; panics are recovered and treated as errors.
type Handler interface {
	Handle(ctx domain.Context, job domain.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx domain.Context, job domain.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx domain.Context, job domain.Job) error { return f(ctx, job) }

// Runtime is one worker agent: a stable id, a poll loop, and the transition
// logic from a finished attempt to the job's next durable state.
type Runtime struct {
	ID           string
	Jobs         domain.JobRepository
	Handler      Handler
	PollInterval time.Duration
	LeaseTTL     time.Duration
}

var workerEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

// NewRuntime constructs a worker with a fresh stable id and default timings.
func NewRuntime(jobs domain.JobRepository, handler Handler) *Runtime {
	id, err := ulid.New(ulid.Timestamp(time.Now()), workerEntropy)
	workerID := "worker-"
	if err != nil {
		workerID += time.Now().UTC().Format("20060102150405.000000000")
	} else {
		workerID += id.String()
	}
	return &Runtime{
		ID:           workerID,
		Jobs:         jobs,
		Handler:      handler,
		PollInterval: DefaultPollInterval,
		LeaseTTL:     DefaultLeaseTTL,
	}
}

// Run polls for work until ctx is cancelled. A job already in flight is
// always finished: its handler and the follow-up state transition run on a
// context detached from the stop signal.
func (r *Runtime) Run(ctx context.Context) {
	lg := slog.Default().With(slog.String("worker_id", r.ID))
	lg.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			lg.Info("worker stopped")
			return
		default:
		}

		job, err := r.Jobs.AcquireLease(ctx, r.ID, r.LeaseTTL)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, context.Canceled) {
				// Transient store errors share the idle wait; no tight spin.
				lg.Error("lease acquisition failed", slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
				lg.Info("worker stopped")
				return
			case <-time.After(r.PollInterval):
			}
			continue
		}

		r.process(context.WithoutCancel(ctx), job)
	}
}

// process runs one attempt and translates its outcome into a durable state
// transition. Every handler failure, including a panic, ends in exactly one
// of: retry with backoff or dead-letter.
func (r *Runtime) process(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("worker.runtime")
	ctx, span := tracer.Start(ctx, "worker.ProcessJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.tenant_id", job.TenantID),
		attribute.Int("job.retry_count", job.RetryCount),
	)

	lg := slog.Default().With(
		slog.String("worker_id", r.ID),
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.String("trace_id", job.TraceID),
	)
	ctx = obsctx.ContextWithLogger(ctx, lg)
	ctx = obsctx.ContextWithTraceID(ctx, job.TraceID)

	obs.JobsProcessing.Inc()
	start := time.Now()
	err := r.safeHandle(ctx, job)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	obs.JobsProcessing.Dec()

	if err == nil {
		if cerr := r.Jobs.Complete(ctx, job.ID, r.ID); cerr != nil {
			if errors.Is(cerr, domain.ErrConflict) {
				lg.Warn("lease lost before ack, dropping result")
				return
			}
			lg.Error("ack failed", slog.Any("error", cerr))
			return
		}
		obs.JobsCompletedTotal.Inc()
		lg.Info("job completed", slog.Int("retry_count", job.RetryCount))
		return
	}

	// Increment-before-compare: the attempt that fails with
	// retry_count == max_retries is the (max_retries+1)th and dead-letters.
	if job.RetryCount < job.MaxRetries {
		backoff := domain.RetryBackoff(job.RetryCount)
		releaseAt := time.Now().UTC().Add(backoff)
		if rerr := r.Jobs.Retry(ctx, job.ID, r.ID, err.Error(), releaseAt); rerr != nil {
			if errors.Is(rerr, domain.ErrConflict) {
				lg.Warn("lease lost before retry, dropping attempt")
				return
			}
			lg.Error("retry scheduling failed", slog.Any("error", rerr))
			return
		}
		obs.JobsRetriedTotal.Inc()
		lg.Warn("job attempt failed, retrying",
			slog.Any("error", err),
			slog.Int("retry_count", job.RetryCount+1),
			slog.Duration("backoff", backoff))
		return
	}

	if derr := r.Jobs.DeadLetter(ctx, job.ID, r.ID, err.Error()); derr != nil {
		if errors.Is(derr, domain.ErrConflict) {
			lg.Warn("lease lost before dead-letter, dropping attempt")
			return
		}
		lg.Error("dead-letter failed", slog.Any("error", derr))
		return
	}
	obs.JobsDeadLetteredTotal.Inc()
	lg.Error("job dead-lettered",
		slog.Any("error", err),
		slog.Int("retry_count", job.RetryCount))
}

func (r *Runtime) safeHandle(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.Handler.Handle(ctx, job)
}
