package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"parishhub-auth/internal/client"
	"parishhub-auth/internal/util"
)

const (
	attemptPrefix = "auth_attempts:"
	lockPrefix    = "auth_lock:"
)

// RateLimitCache counts failed attempts per subject (username, IP, or
// recovery identifier) inside a sliding window and holds temporary locks.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) IncrementAttempts(ctx context.Context, scope, subject string, window time.Duration) (int, error) {
	key := attemptPrefix + scope + ":" + subject
	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment attempt counter", zap.String("scope", scope), zap.Error(err))
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return int(count), nil
}

func (c *RateLimitCache) GetAttempts(ctx context.Context, scope, subject string) (int, error) {
	val, err := c.client.Get(ctx, attemptPrefix+scope+":"+subject)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read attempt counter: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt attempt counter: %w", err)
	}
	return count, nil
}

func (c *RateLimitCache) ResetAttempts(ctx context.Context, scope, subject string) error {
	if err := c.client.Del(ctx, attemptPrefix+scope+":"+subject); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

func (c *RateLimitCache) SetLock(ctx context.Context, scope, subject string, ttl time.Duration) error {
	key := lockPrefix + scope + ":" + subject
	if err := c.client.Set(ctx, key, "locked", ttl); err != nil {
		util.Error("Failed to set temporary lock", zap.String("scope", scope), zap.Error(err))
		return fmt.Errorf("failed to set lock: %w", err)
	}
	util.Warn("Temporary lock set",
		zap.String("scope", scope),
		zap.String("subject", subject),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *RateLimitCache) IsLocked(ctx context.Context, scope, subject string) (bool, error) {
	locked, err := c.client.Exists(ctx, lockPrefix+scope+":"+subject)
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return locked, nil
}
