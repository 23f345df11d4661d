package recommend

import (
	"context"

	"github.com/lalithlochan/compass/internal/redis"
)

// Limiter is the subset of the Redis sliding-window limiter used for the AI
// quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
	Remaining(ctx context.Context, key string) (int, error)
}

// LimiterQuota adapts a Limiter to Quota under a single key.
type LimiterQuota struct {
	limiter Limiter
	key     string
}

// NewLimiterQuota creates a quota backed by limiter.
func NewLimiterQuota(limiter Limiter, key string) *LimiterQuota {
	return &LimiterQuota{limiter: limiter, key: key}
}

func (q *LimiterQuota) Remaining(ctx context.Context) (int, error) {
	return q.limiter.Remaining(ctx, q.key)
}

func (q *LimiterQuota) Consume(ctx context.Context) (bool, error) {
	res, err := q.limiter.Allow(ctx, q.key)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
