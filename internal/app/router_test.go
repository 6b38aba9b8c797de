package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/tenant-jobqueue/internal/adapter/httpserver"
	"github.com/fairyhunter13/tenant-jobqueue/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example "))
}

func TestRouterHealthz(t *testing.T) {
	h := BuildRouter(config.Config{CORSAllowOrigins: "*", HTTPRateLimitPerMin: 100}, &httpserver.Server{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterPrometheusMetrics(t *testing.T) {
	h := BuildRouter(config.Config{CORSAllowOrigins: "*", HTTPRateLimitPerMin: 100}, &httpserver.Server{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterUnknownRoute(t *testing.T) {
	h := BuildRouter(config.Config{CORSAllowOrigins: "*", HTTPRateLimitPerMin: 100}, &httpserver.Server{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterIPRateLimit(t *testing.T) {
	h := BuildRouter(config.Config{CORSAllowOrigins: "*", HTTPRateLimitPerMin: 1}, &httpserver.Server{})

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))
	// Submit with a nil service fails inside the handler, but the request
	// itself passed the IP limiter.
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
