// Package redis provides the Redis-backed guards shared by the sync and
// recommendation paths: sync-action idempotency and sliding-window limits.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable is returned by New when the server does not answer a ping.
var ErrUnavailable = errors.New("redis unavailable")

// Config holds Redis connection settings. PoolSize defaults to 10.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func (cfg Config) options() *redis.Options {
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 10
	}
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     pool,
		MinIdleConns: min(2, pool),
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Client is a connected go-redis client.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. Callers treat ErrUnavailable as "run without
// Redis" rather than a fatal error.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, cfg.Addr, err)
	}

	logger = logger.Named("redis")
	logger.Info("connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &Client{rdb: rdb, logger: logger}, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
