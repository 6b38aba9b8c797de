package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/tenant-jobqueue/internal/adapter/observability"
	"github.com/fairyhunter13/tenant-jobqueue/internal/config"
	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
	"github.com/fairyhunter13/tenant-jobqueue/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Submit     usecase.SubmitService
	Query      usecase.QueryService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, query usecase.QueryService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// SubmitJobHandler accepts a job submission and returns 201 with the job's
// id, status and trace id. Replays with a known idempotency key return the
// original job.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Cap body size to prevent abuse.
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			TenantID       string          `json:"tenantId" validate:"required"`
			Payload        json.RawMessage `json:"payload" validate:"required"`
			IdempotencyKey string          `json:"idempotencyKey" validate:"omitempty,max=255"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			fields := make([]string, 0, 2)
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					fields = append(fields, strings.ToLower(fe.Field()[:1])+fe.Field()[1:])
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed on %s", domain.ErrInvalidArgument, strings.Join(fields, ", ")))
			return
		}

		job, err := s.Submit.Submit(r.Context(), req.TenantID, req.Payload, req.IdempotencyKey)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrSubmissionLimited):
				observability.JobsRateLimitedTotal.WithLabelValues(observability.ReasonSubmissionRate).Inc()
			case errors.Is(err, domain.ErrConcurrencyLimited):
				observability.JobsRateLimitedTotal.WithLabelValues(observability.ReasonConcurrency).Inc()
			}
			writeError(w, r, err)
			return
		}
		observability.JobsSubmittedTotal.Inc()
		writeJSON(w, http.StatusCreated, map[string]string{
			"jobId":   job.ID,
			"status":  string(job.Status),
			"traceId": job.TraceID,
		})
	}
}

// GetJobHandler returns the full job row for one job id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		job, err := s.Query.JobStatus(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// ListJobsHandler lists a tenant's most recent jobs, optionally filtered
// by status.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidArgument))
				return
			}
			limit = n
		}
		jobs, err := s.Query.ListJobs(r.Context(), q.Get("tenantId"), domain.JobStatus(q.Get("status")), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string][]jobView{"jobs": views})
	}
}

// MetricsHandler returns queue aggregates, scoped to one tenant when
// tenantId is given.
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.Query.Metrics(r.Context(), r.URL.Query().Get("tenantId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toMetricsView(m))
	}
}

// ReadyzHandler probes the job store and the rate-gate store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
