package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Ping reports whether Redis answers
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// NextSequence returns the next notification sequence number of a group
func (c *Client) NextSequence(ctx context.Context, group string) (int64, error) {
	seq, err := c.rdb.Incr(ctx, fmt.Sprintf("notify:seq:%s", group)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr sequence for %s: %w", group, err)
	}
	return seq, nil
}

// Remember stores value under an idempotency key unless one is already there.
// It returns the stored value and whether this call stored it.
func (c *Client) Remember(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	k := fmt.Sprintf("idempotency:%s", key)

	ok, err := c.rdb.SetNX(ctx, k, value, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx %s: %w", k, err)
	}
	if ok {
		return value, true, nil
	}

	existing, err := c.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return c.Remember(ctx, key, value, ttl)
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", k, err)
	}
	return existing, false, nil
}

// Replace overwrites an idempotency key
func (c *Client) Replace(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// Forget removes an idempotency key
func (c *Client) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

// AcquireLock acquires a distributed lock held by owner
func (c *Client) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), owner, ttl).Result()
}

// ReleaseLock releases a distributed lock if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
