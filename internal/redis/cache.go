package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gameshop-ledger/internal/config"
	"github.com/gameshop-ledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache provides Redis-based caching for stats payloads and the
// short-lived purchase idempotency pre-lock.
type Cache struct {
	client   *redis.Client
	statsTTL time.Duration
	logger   *slog.Logger
}

// NewCache creates a new Redis cache
func NewCache(cfg *config.RedisConfig, statsTTL time.Duration, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{
		client:   client,
		statsTTL: statsTTL,
		logger:   logger,
	}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client
func (c *Cache) Client() *redis.Client {
	return c.client
}

// statsKey returns the Redis key for a user's cached stats payload
func (c *Cache) statsKey(userID int64) string {
	return fmt.Sprintf("stats:user:%d", userID)
}

// idempLockKey returns the Redis key for a purchase idempotency pre-lock
func (c *Cache) idempLockKey(userID int64, productID, key string) string {
	return fmt.Sprintf("shop:idemp:%d:%s:%s", userID, productID, key)
}

// GetStats returns the cached stats payload for a user, if present.
func (c *Cache) GetStats(ctx context.Context, userID int64) (*domain.UserStats, bool, error) {
	data, err := c.client.Get(ctx, c.statsKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting cached stats: %w", err)
	}

	var stats domain.UserStats
	if err := json.Unmarshal(data, &stats); err != nil {
		// Corrupt cache entry: treat as a miss, let the caller rebuild
		c.logger.Warn("dropping corrupt stats cache entry", "user_id", userID, "error", err)
		c.client.Del(ctx, c.statsKey(userID))
		return nil, false, nil
	}
	return &stats, true, nil
}

// SetStats stores a user's stats payload with the configured TTL.
func (c *Cache) SetStats(ctx context.Context, userID int64, stats *domain.UserStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	if err := c.client.Set(ctx, c.statsKey(userID), data, c.statsTTL).Err(); err != nil {
		return fmt.Errorf("caching stats: %w", err)
	}
	return nil
}

// InvalidateStats drops a user's cached stats payload.
func (c *Cache) InvalidateStats(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, c.statsKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidating stats cache: %w", err)
	}
	return nil
}

// AcquireIdempLock takes the pre-lock for an in-flight purchase with SET NX.
// Returns false when another request holds the lock for the same key.
func (c *Cache) AcquireIdempLock(ctx context.Context, userID int64, productID, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.idempLockKey(userID, productID, key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring idempotency lock: %w", err)
	}
	return ok, nil
}

// ReleaseIdempLock releases the pre-lock early; the TTL covers crashed holders.
func (c *Cache) ReleaseIdempLock(ctx context.Context, userID int64, productID, key string) error {
	if err := c.client.Del(ctx, c.idempLockKey(userID, productID, key)).Err(); err != nil {
		return fmt.Errorf("releasing idempotency lock: %w", err)
	}
	return nil
}
