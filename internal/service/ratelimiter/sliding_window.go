// Package ratelimiter implements per-tenant admission control.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Admission policy. These are product constants, not configuration.
const (
	submissionLimit = 10
	windowMillis    = 60_000
	maxConcurrent   = 5
)

// The script keeps one sorted set per tenant scored by submission time in
// milliseconds: evict entries older than the window, deny at the limit,
// otherwise record this submission and refresh the key TTL. Running it as a
// single Lua program keeps check-and-insert atomic under concurrent submits.
const luaSlidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
if redis.call("ZCARD", key) >= limit then
  return 0
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return 1
`

// Gate enforces the per-tenant submission rate (sliding window over Redis)
// and the in-flight concurrency cap (pure policy over a count supplied by the
// caller from the durable store).
type Gate struct {
	redis  *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewGate constructs a Gate over the given Redis client. A nil client yields
// a gate that always allows (useful in tests and degraded deployments).
func NewGate(rdb *redis.Client) *Gate {
	return &Gate{
		redis:  rdb,
		script: redis.NewScript(luaSlidingWindowScript),
		now:    time.Now,
	}
}

// AllowSubmission reports whether the tenant may submit another job within
// the sliding window. When Redis is unreachable the gate fails open and logs
// a warning: losing admission precision is preferred over refusing work.
func (g *Gate) AllowSubmission(ctx context.Context, tenantID string) bool {
	if g == nil || g.redis == nil {
		return true
	}
	now := g.now().UnixMilli()
	// Random suffix keeps concurrent submissions in the same millisecond from
	// colliding on the set member.
	member := fmt.Sprintf("%d-%06d", now, rand.Intn(1_000_000)) //nolint:gosec // uniqueness, not secrecy
	key := "rate:" + tenantID

	res, err := g.script.Run(ctx, g.redis, []string{key}, now, windowMillis, submissionLimit, member).Int()
	if err != nil {
		slog.Warn("rate gate unreachable, failing open",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return true
	}
	return res == 1
}

// AllowConcurrent reports whether a tenant with runningCount in-flight jobs
// may admit one more. The count comes from the durable store; this check
// never fails open.
func (g *Gate) AllowConcurrent(runningCount int) bool {
	return runningCount < maxConcurrent
}
