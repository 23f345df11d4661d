package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/clock"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.NewFake(time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(&Client{rdb: rdb, logger: zap.NewNop()}, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	}).WithClock(clk)
	return limiter, clk
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "user:u1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, clk := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if result, _ := limiter.Allow(ctx, "test-notification:u1"); !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "test-notification:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
	if want := clk.Now().Add(time.Minute); !result.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %s, want %s", result.ResetAt, want)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, clk := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "k")
	clk.Advance(30 * time.Second)
	limiter.Allow(ctx, "k")

	if result, _ := limiter.Allow(ctx, "k"); result.Allowed {
		t.Fatal("third request inside the window should be blocked")
	}

	// The first entry falls out of the window.
	clk.Advance(31 * time.Second)
	result, err := limiter.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("request should be allowed once the oldest entry expires")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "key-a")
	}

	result, _ := limiter.Allow(ctx, "key-b")
	if !result.Allowed {
		t.Fatal("key-b should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 10, time.Minute)
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "batch", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Remaining != 5 {
		t.Fatalf("AllowN(5) = %+v, want allowed with 5 remaining", result)
	}

	result, _ = limiter.AllowN(ctx, "batch", 6)
	if result.Allowed {
		t.Fatal("should be blocked")
	}

	// A rejected batch consumes nothing.
	if remaining, _ := limiter.Remaining(ctx, "batch"); remaining != 5 {
		t.Fatalf("expected 5 remaining after rejection, got %d", remaining)
	}
}

func TestRateLimiter_RemainingDoesNotConsume(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		remaining, err := limiter.Remaining(ctx, "ai-quota")
		if err != nil {
			t.Fatalf("Remaining: %v", err)
		}
		if remaining != 3 {
			t.Fatalf("peek %d: expected 3 remaining, got %d", i, remaining)
		}
	}

	limiter.Allow(ctx, "ai-quota")
	limiter.Allow(ctx, "ai-quota")
	if remaining, _ := limiter.Remaining(ctx, "ai-quota"); remaining != 1 {
		t.Fatalf("expected 1 remaining, got %d", remaining)
	}

	limiter.Allow(ctx, "ai-quota")
	if remaining, _ := limiter.Remaining(ctx, "ai-quota"); remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
}
