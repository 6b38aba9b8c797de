package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs accepted for execution",
		},
	)
	JobsRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_rate_limited_total",
			Help: "Total number of submissions denied by admission control",
		},
		[]string{"reason"},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job attempts rescheduled with backoff",
		},
	)
	JobsDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter table",
		},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently held under lease by this process",
		},
	)
	JobProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_processing_duration_seconds",
			Help:    "Wall-clock duration of a single job attempt",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)
)

// Admission denial reasons used as the "reason" label value.
const (
	ReasonSubmissionRate = "submission_rate"
	ReasonConcurrency    = "concurrency"
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsRateLimitedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobProcessingDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
