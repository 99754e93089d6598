package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/boogy/m2m-auth/pkg/types"
)

// MemoryCache is a size bounded in-process cache with LRU eviction.
type MemoryCache struct {
	data       map[string]cacheItem
	mu         sync.RWMutex
	maxSize    int           // Maximum number of items to store
	defaultTTL time.Duration // Default TTL for cache entries
	now        func() time.Time
}

type cacheItem struct {
	value      *types.AccessToken
	expiration time.Time
	lastAccess time.Time // For LRU eviction
}

func NewMemoryCache(maxSize int, defaultTTL time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = Defaults.MaxLocalSize
	}
	if defaultTTL <= 0 {
		defaultTTL = Defaults.TTL
	}
	return &MemoryCache{
		data:       make(map[string]cacheItem),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(key string) (*types.AccessToken, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.data[key]
	if !found {
		slog.Debug("Cache miss", "key", key)
		return nil, false
	}

	if now.After(item.expiration) {
		slog.Debug("Cache entry expired", "key", key)
		delete(c.data, key)
		return nil, false
	}

	item.lastAccess = now
	c.data[key] = item

	slog.Debug("Cache hit", "key", key)
	return cloneToken(item.value), true
}

func (c *MemoryCache) Set(key string, value *types.AccessToken, ttl time.Duration) {
	c.set(key, value, c.now().Add(c.ttlOrDefault(ttl)))
	slog.Debug("Cached value", "key", key, "ttl", ttl)
}

// set stores value until expiration
func (c *MemoryCache) set(key string, value *types.AccessToken, expiration time.Time) {
	if value == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLRU()
	}

	c.data[key] = cacheItem{
		value:      cloneToken(value),
		expiration: expiration,
		lastAccess: c.now(),
	}
}

func (c *MemoryCache) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// evictLRU removes the least recently used item. The caller holds the lock.
func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for k, entry := range c.data {
		if oldestTime.IsZero() || entry.lastAccess.Before(oldestTime) {
			oldestKey = k
			oldestTime = entry.lastAccess
		}
	}

	if oldestKey != "" {
		slog.Debug("Evicting LRU cache item", "key", oldestKey, "lastAccess", oldestTime)
		delete(c.data, oldestKey)
	}
}

// Cleanup removes all expired items from the cache
func (c *MemoryCache) Cleanup() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	expiredCount := 0
	for key, item := range c.data {
		if now.After(item.expiration) {
			delete(c.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		slog.Debug("Cleaned up expired cache entries", "count", expiredCount)
	}
}

// GetStats returns statistics about the cache
func (c *MemoryCache) GetStats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	expired := 0
	for _, item := range c.data {
		if now.After(item.expiration) {
			expired++
		}
	}

	return map[string]any{
		"size":    len(c.data),
		"maxSize": c.maxSize,
		"expired": expired,
	}
}
