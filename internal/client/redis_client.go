package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"parishhub-auth/internal/config"
)

// ErrKeyNotFound is returned by Get for missing keys so callers don't have
// to depend on redis.Nil directly.
var ErrKeyNotFound = errors.New("key not found")

type RedisClient struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient parses redis:// / rediss:// URLs and connects with sane
// pool defaults.
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	redisConfig := cfg.Redis

	opts, err := redis.ParseURL(redisConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.Password == "" && redisConfig.Password != "" {
		opts.Password = redisConfig.Password
	}
	opts.DB = redisConfig.DB
	opts.PoolSize = redisConfig.PoolSize
	opts.MinIdleConns = redisConfig.PoolSize / 2
	if opts.MinIdleConns < 10 {
		opts.MinIdleConns = 10
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{Client: client, config: &redisConfig}, nil
}

// NewRedisClientForAddr connects to a bare address. Used by tests against
// miniredis.
func NewRedisClientForAddr(addr string) *RedisClient {
	return &RedisClient{Client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.Client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return "", err
	}
	return val, nil
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}

func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrWithExpire increments a counter and refreshes its window atomically.
func (c *RedisClient) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisClient) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisClient) Close() error {
	return c.Client.Close()
}
