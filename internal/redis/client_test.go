package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func TestNew_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{Addr: mr.Addr()}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNew_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, Config{Addr: addr}, zap.NewNop())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestConfig_Options(t *testing.T) {
	opts := Config{Addr: "localhost:6379"}.options()
	if opts.PoolSize != 10 || opts.MinIdleConns != 2 {
		t.Fatalf("defaults = pool %d idle %d", opts.PoolSize, opts.MinIdleConns)
	}

	opts = Config{Addr: "localhost:6379", PoolSize: 1}.options()
	if opts.PoolSize != 1 || opts.MinIdleConns != 1 {
		t.Fatalf("pool 1 = pool %d idle %d", opts.PoolSize, opts.MinIdleConns)
	}
}
