package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"parishhub-auth/internal/client"
	"parishhub-auth/internal/util"
)

const flagPrefix = "gate_flag:"

// FlagCache is a short-TTL cache in front of the settings table so the
// access gate doesn't hit postgres on every request. A miss is not an
// error; a transport failure is, and the gate fails closed on it.
type FlagCache struct {
	client *client.RedisClient
}

func NewFlagCache(client *client.RedisClient) *FlagCache {
	return &FlagCache{client: client}
}

func (c *FlagCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, flagPrefix+key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", false, nil
		}
		util.Error("Failed to read gate flag from cache", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("failed to read gate flag: %w", err)
	}
	return val, true, nil
}

func (c *FlagCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, flagPrefix+key, value, ttl); err != nil {
		util.Error("Failed to cache gate flag", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to cache gate flag: %w", err)
	}
	return nil
}

func (c *FlagCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, flagPrefix+key); err != nil {
		return fmt.Errorf("failed to invalidate gate flag: %w", err)
	}
	util.Debug("Gate flag invalidated", zap.String("key", key))
	return nil
}
