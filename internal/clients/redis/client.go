package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notification-engine/internal/config"
	"notification-engine/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client with observability
type Client struct {
	client *redis.Client
	logger *observability.Logger
}

// NewClient creates a new Redis client
func NewClient(cfg config.RedisConfig, logger *observability.Logger) (*Client, error) {
	if !cfg.Enabled {
		logger.Info(context.Background(), "Redis is disabled, skipping client initialization")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "host", Value: cfg.Host},
		observability.Field{Key: "port", Value: cfg.Port},
		observability.Field{Key: "db", Value: cfg.DB},
	)
	logger.Info(ctx, "successfully connected to Redis")

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// NewClientFromRedis wraps an already constructed go-redis client. Used by
// tests that point the wrapper at an in-memory server.
func NewClientFromRedis(client *redis.Client, logger *observability.Logger) *Client {
	return &Client{client: client, logger: logger}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsEnabled returns whether Redis is enabled
func (c *Client) IsEnabled() bool {
	return c != nil && c.client != nil
}

// SetNX sets a key only if it does not exist, returning whether it was set
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if c == nil || c.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}
	return c.client.SetNX(ctx, key, value, expiration).Result()
}

// Get returns the string value of a key, or empty string when the key is absent
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c == nil || c.client == nil {
		return "", fmt.Errorf("Redis client not initialized")
	}
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

// GetInt64 returns the integer value of a key, or zero when the key is absent
func (c *Client) GetInt64(ctx context.Context, key string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	value, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}

// Incr increments a counter key and returns the new value
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	return c.client.Incr(ctx, key).Result()
}

// IncrBy increments a counter key by a delta and returns the new value
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	return c.client.IncrBy(ctx, key, delta).Result()
}

// DecrBy decrements a counter key by a delta and returns the new value
func (c *Client) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	return c.client.DecrBy(ctx, key, delta).Result()
}

// Exists checks if a key exists
func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	return c.client.Exists(ctx, keys...).Result()
}

// Del deletes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, keys...).Err()
}

// Expire sets an expiration on a key
func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Expire(ctx, key, expiration).Err()
}

// TTL returns the remaining lifetime of a key
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}
	return c.client.TTL(ctx, key).Result()
}
