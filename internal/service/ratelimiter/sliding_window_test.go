package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewGate(rdb), mr
}

func TestAllowSubmissionWithinLimit(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < submissionLimit; i++ {
		assert.True(t, gate.AllowSubmission(ctx, "acme"), "submission %d should be allowed", i+1)
	}
	assert.False(t, gate.AllowSubmission(ctx, "acme"), "11th submission within the window must be denied")
}

func TestAllowSubmissionPerTenantIsolation(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < submissionLimit; i++ {
		require.True(t, gate.AllowSubmission(ctx, "tenant-a"))
	}
	assert.False(t, gate.AllowSubmission(ctx, "tenant-a"))
	assert.True(t, gate.AllowSubmission(ctx, "tenant-b"), "tenant-b has its own window")
}

func TestAllowSubmissionWindowSlides(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	base := time.Now()
	gate.now = func() time.Time { return base }
	for i := 0; i < submissionLimit; i++ {
		require.True(t, gate.AllowSubmission(ctx, "acme"))
	}
	require.False(t, gate.AllowSubmission(ctx, "acme"))

	// 61 seconds later the old entries fall out of the window.
	gate.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, gate.AllowSubmission(ctx, "acme"))
}

func TestAllowSubmissionFailsOpen(t *testing.T) {
	gate, mr := newTestGate(t)
	mr.Close()

	assert.True(t, gate.AllowSubmission(context.Background(), "acme"),
		"unreachable redis must not block submissions")
}

func TestAllowSubmissionNilClient(t *testing.T) {
	gate := NewGate(nil)
	assert.True(t, gate.AllowSubmission(context.Background(), "acme"))
}

func TestAllowSubmissionRefreshesTTL(t *testing.T) {
	gate, mr := newTestGate(t)
	ctx := context.Background()

	require.True(t, gate.AllowSubmission(ctx, "acme"))
	ttl := mr.TTL("rate:acme")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 60*time.Second)
}

func TestAllowConcurrent(t *testing.T) {
	gate := NewGate(nil)

	for n := 0; n < maxConcurrent; n++ {
		assert.True(t, gate.AllowConcurrent(n), "running=%d", n)
	}
	assert.False(t, gate.AllowConcurrent(maxConcurrent))
	assert.False(t, gate.AllowConcurrent(maxConcurrent+3))
}
