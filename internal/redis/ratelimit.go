package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/clock"
)

// RateLimitConfig defines a sliding window. Limit requests are allowed in
// any Window-long span.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, counts it and, if there is room, records
// ARGV[4] entries in one round trip.
//
// KEYS[1] window key
// ARGV[1] window start (µs)  ARGV[2] now (µs)  ARGV[3] limit
// ARGV[4] n  ARGV[5] member prefix  ARGV[6] ttl (ms)
var slidingWindow = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
if count + n > limit then
	return {0, count}
end
for i = 1, n do
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[5] .. ":" .. i)
end
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return {1, count + n}
`)

// RateLimiter is a sliding-window limiter on Redis sorted sets. It backs the
// API request limit, the AI quota and the test-notification throttle.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	clock  clock.Clock
}

// NewRateLimiter creates a limiter with the given window.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger.Named("ratelimit"),
		config: config,
		clock:  clock.Real{},
	}
}

// WithClock replaces the time source.
func (r *RateLimiter) WithClock(c clock.Clock) *RateLimiter {
	r.clock = c
	return r
}

func windowKey(key string) string {
	return "ratelimit:" + key
}

// Allow consumes one request for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN consumes n requests for key, or none if they do not all fit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.clock.Now()
	start := now.Add(-r.config.Window)

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{windowKey(key)},
		start.UnixMicro(),
		now.UnixMicro(),
		r.config.Limit,
		n,
		uuid.NewString(),
		(r.config.Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed, count := res[0] == 1, int(res[1])
	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   now.Add(r.config.Window),
	}
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}

// Remaining reports how many requests key may still make in the current
// window without consuming one.
func (r *RateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	start := r.clock.Now().Add(-r.config.Window)
	count, err := r.client.rdb.ZCount(ctx, windowKey(key), "("+strconv.FormatInt(start.UnixMicro(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcount failed: %w", err)
	}
	return max(0, r.config.Limit-int(count)), nil
}
