// Package redis wraps go-redis for the one use this router has for it: an
// optional write-through store backing the session-affinity policy
// (internal/policy) so more than one proxy-front replica, or a restarted
// process, can recover session->backend bindings instead of starting cold
// (spec.md §9, SPEC_FULL §11).
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when the key doesn't exist, distinguishing
// a cache miss from a connection error for callers like the session policy.
var ErrNotFound = errors.New("redis: key not found")

// Config parameterizes the optional session-store connection. cmd/router
// builds no Client when Addr is empty, and session affinity then runs
// in-process only.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps the Redis client
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	opt := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("connected to redis for session write-through", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// SetWithTTL sets a key with TTL
func (c *Client) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get gets a value by key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

// Delete deletes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}