package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/set_availability.lua
var setAvailabilityScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb             *redis.Client
	setAvailability *redis.Script
	releaseLock     *redis.Script
	ttl             time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, cacheTTL time.Duration) (*Client, error) {
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

	return NewClientFromRedis(rdb, cacheTTL), nil
}

// NewClientFromRedis wraps an existing go-redis client
func NewClientFromRedis(rdb *redis.Client, cacheTTL time.Duration) *Client {
	return &Client{
		rdb:             rdb,
		setAvailability: redis.NewScript(setAvailabilityScript),
		releaseLock:     redis.NewScript(releaseLockScript),
		ttl:             cacheTTL,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func availabilityKey(storefrontID, productID uuid.UUID) string {
	return fmt.Sprintf("availability:%s:%s", storefrontID, productID)
}

// SetAvailability caches a storefront row. Writes carrying an older
// observation time than the cached one are dropped.
func (c *Client) SetAvailability(ctx context.Context, storefrontID, productID uuid.UUID, quantity, reserved int64, observedAt time.Time) error {
	key := availabilityKey(storefrontID, productID)

	_, err := c.setAvailability.Run(ctx, c.rdb, []string{key},
		observedAt.UnixMicro(), quantity, reserved, int64(c.ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("set availability script failed: %w", err)
	}
	return nil
}

// GetAvailability reads a cached storefront row
func (c *Client) GetAvailability(ctx context.Context, storefrontID, productID uuid.UUID) (quantity, reserved int64, found bool, err error) {
	result, err := c.rdb.HGetAll(ctx, availabilityKey(storefrontID, productID)).Result()
	if err != nil {
		return 0, 0, false, err
	}

	if len(result) == 0 {
		return 0, 0, false, nil
	}

	quantity, err = strconv.ParseInt(result["quantity"], 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("corrupt cached quantity: %w", err)
	}
	reserved, err = strconv.ParseInt(result["reserved"], 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("corrupt cached reserved: %w", err)
	}

	return quantity, reserved, true, nil
}

// InvalidateAvailability drops a cached storefront row
func (c *Client) InvalidateAvailability(ctx context.Context, storefrontID, productID uuid.UUID) error {
	return c.rdb.Del(ctx, availabilityKey(storefrontID, productID)).Err()
}

// AcquireLock acquires a distributed lock and returns the owner token
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock held with token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseLock.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
