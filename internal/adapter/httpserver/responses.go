// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API for submitting jobs, querying job state and
// reading per-tenant metrics. The package keeps HTTP concerns separate
// from business logic, which lives in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

// errorEnvelope is the wire shape of every non-2xx response.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "RATE_LIMITED"
		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			msg = rl.Message
		}
	default:
		// Store failures carry internals; log them and keep the body generic.
		LoggerFrom(r).Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: code, Message: msg})
}

// jobView is the JSON projection of a job row.
type jobView struct {
	JobID        string     `json:"jobId"`
	TenantID     string     `json:"tenantId"`
	Status       string     `json:"status"`
	TraceID      string     `json:"traceId"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		JobID:        j.ID,
		TenantID:     j.TenantID,
		Status:       string(j.Status),
		TraceID:      j.TraceID,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
	}
}

// metricsView mirrors domain.Metrics with stable snake_case keys and all
// four status buckets always present.
type metricsView struct {
	JobsTotal    int64            `json:"jobs_total"`
	JobsByStatus map[string]int64 `json:"jobs_by_status"`
	DLQSize      int64            `json:"dlq_size"`
}

func toMetricsView(m domain.Metrics) metricsView {
	byStatus := make(map[string]int64, 4)
	for _, st := range []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed} {
		byStatus[string(st)] = m.JobsByStatus[st]
	}
	return metricsView{JobsTotal: m.JobsTotal, JobsByStatus: byStatus, DLQSize: m.DLQSize}
}
