// Package redis provides the optional redis endpoint: redlock leader
// election for the signal-sync worker and a small quote cache.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// Client wraps a RedLock manager for leader election plus a standard client
// for caching.
type Client struct {
	lockManager *redlock.RedLock
	cache       *redis.Client
	addrs       []string
}

// New connects to redis and verifies the connection.
func New(cfg *config.RedisConfig) (*Client, error) {
	addrs := []string{fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lockManager, err := redlock.NewRedLock(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	cache := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := cache.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("✅ Redis connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("db", cfg.DB),
	)

	return &Client{
		lockManager: lockManager,
		cache:       cache,
		addrs:       addrs,
	}, nil
}

// NewLeaderLock builds a leader lock on this client's redlock manager.
func (c *Client) NewLeaderLock(name string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{manager: c.lockManager, name: name, ttl: ttl}
}

// Get reads a cached value. The bool reports whether the key was present.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.cache.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set caches a value with a TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.cache.Set(ctx, key, value, ttl).Err()
}

// Ping verifies the cache connection, used by health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.cache.Ping(ctx).Err()
}

// Close closes the cache connection. RedLock connections close with the
// process.
func (c *Client) Close() error {
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			return fmt.Errorf("failed to close redis client: %w", err)
		}
	}
	return nil
}
