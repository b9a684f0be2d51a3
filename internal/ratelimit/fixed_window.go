package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

var forgiveScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and tonumber(v) > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

// Decision is the outcome of one quota check. ResetAt is the end of the
// current window and is reported to clients on rejection.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// FixedWindowLimiter limits requests per key in a fixed time window,
// backed by Redis so every gateway instance shares one budget.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	client *redis.Client
	prefix string
}

// NewFixedWindowLimiter creates a limiter over a shared Redis client.
// The prefix keeps independently configured limiters from colliding.
func NewFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limiter requires a redis client")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "nebula:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: client,
		prefix: prefix,
	}, nil
}

// Limit reports the configured per-window quota.
func (l *FixedWindowLimiter) Limit() int { return l.limit }

// Allow consumes one unit of the key's window budget.
// On Redis failures it fails closed: the request is rejected.
func (l *FixedWindowLimiter) Allow(key string) Decision {
	if l == nil {
		return Decision{}
	}
	redisKey, resetAt := l.slot(key)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return Decision{Allowed: false, ResetAt: resetAt}
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(l.limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Forgive hands back one unit previously consumed for the key in the
// current window. Used to stop counting successful attempts against
// failure-oriented quotas. A missing or empty counter is left alone.
func (l *FixedWindowLimiter) Forgive(key string) {
	if l == nil {
		return
	}
	redisKey, _ := l.slot(key)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = forgiveScript.Run(ctx, l.client, []string{redisKey}).Result()
}

func (l *FixedWindowLimiter) slot(key string) (string, time.Time) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	windowSlot := time.Now().UTC().UnixMilli() / windowMs
	resetAt := time.UnixMilli((windowSlot + 1) * windowMs).UTC()
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, windowSlot), resetAt
}
