// Package statistics serves the aggregate membership counters through a Redis
// read-through cache. The store stays the source of truth; a cache failure
// only costs a store read.
package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
)

const (
	CacheKeyMembershipStats = "statistics:memberships"
	CacheExpiration         = 30 * time.Minute
)

type Cache struct {
	client *redis.Client
	store  repository.StatsStore
	ttl    time.Duration
}

// New returns a cache in front of store. A nil client disables caching.
func New(client *redis.Client, store repository.StatsStore) *Cache {
	return &Cache{client: client, store: store, ttl: CacheExpiration}
}

// Get returns the cached counters or loads them from the store.
func (c *Cache) Get(ctx context.Context) (*models.MembershipStats, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, CacheKeyMembershipStats).Bytes()
		switch {
		case err == nil:
			stats := models.NewMembershipStats()
			if err := json.Unmarshal(raw, stats); err == nil {
				return stats, nil
			}
			log.Warnf("[Statistics] Discarding unreadable cache entry")
		case !errors.Is(err, redis.Nil):
			log.Warnf("[Statistics] Cache read failed: %v", err)
		}
	}

	stats, err := c.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	c.put(ctx, stats)
	return stats, nil
}

// Invalidate drops the cached counters.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, CacheKeyMembershipStats).Err()
}

func (c *Cache) put(ctx context.Context, stats *models.MembershipStats) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		log.Warnf("[Statistics] Failed to encode stats: %v", err)
		return
	}
	if err := c.client.Set(ctx, CacheKeyMembershipStats, raw, c.ttl).Err(); err != nil {
		log.Warnf("[Statistics] Cache write failed: %v", err)
	}
}
