package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// InboxCache caches per-approver pending counts in Redis. Without Redis every
// call is a miss and writes are dropped, so callers fall back to the database.
type InboxCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Entry
}

// NewInboxCache connects to Redis at host:port. An empty host or an
// unreachable server yields a cache that is always empty.
func NewInboxCache(host string, port int, password string, db int, ttl time.Duration, logger *logrus.Logger) *InboxCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &InboxCache{ttl: ttl, logger: logger.WithField("component", "inbox_cache")}
	if host == "" {
		return c
	}

	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Gracefully degrade to no caching
		c.logger.WithError(err).Warn("Redis unavailable, inbox cache disabled")
		_ = client.Close()
		return c
	}

	c.client = client
	return c
}

func (c *InboxCache) pendingKey(approverID string) string {
	return fmt.Sprintf("approvals:pending:%s", approverID)
}

// GetPendingCount returns the cached count and whether there was one
func (c *InboxCache) GetPendingCount(ctx context.Context, approverID string) (int64, bool) {
	if c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, c.pendingKey(approverID)).Result()
	if err == redis.Nil {
		return 0, false // Cache miss
	}
	if err != nil {
		c.logger.WithError(err).Debug("Inbox cache read failed")
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetPendingCount stores a count
func (c *InboxCache) SetPendingCount(ctx context.Context, approverID string, count int64) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, c.pendingKey(approverID), count, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("Inbox cache write failed")
	}
}

// Invalidate drops the counts of the given approvers
func (c *InboxCache) Invalidate(ctx context.Context, approverIDs ...string) {
	if c.client == nil {
		return
	}
	keys := make([]string, 0, len(approverIDs))
	for _, id := range approverIDs {
		if id != "" {
			keys = append(keys, c.pendingKey(id))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.WithError(err).Warn("Inbox cache invalidation failed")
	}
}

// IsAvailable returns true if Redis is connected
func (c *InboxCache) IsAvailable() bool {
	return c.client != nil
}

// Ping checks Redis for the health endpoint
func (c *InboxCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *InboxCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
