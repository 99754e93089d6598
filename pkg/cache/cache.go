package cache

import (
	"fmt"
	"time"

	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/types"
)

// CacheDefaults holds the default configuration values shared by all cache implementations
type CacheDefaults struct {
	MaxRetries   int
	Timeout      time.Duration
	TTL          time.Duration
	MaxLocalSize int

	MaxItemSize         int64 // Maximum size of a serialized token
	DynamoDBMaxItemSize int64
}

var Defaults = CacheDefaults{
	MaxRetries:          3,
	Timeout:             5 * time.Second,
	TTL:                 time.Hour,
	MaxLocalSize:        10,
	MaxItemSize:         64 * 1024,
	DynamoDBMaxItemSize: 400 * 1024, // DynamoDB item size limit
}

// Cache stores access tokens by key. Implementations never return an expired entry.
type Cache interface {
	Get(key string) (*types.AccessToken, bool)
	Set(key string, value *types.AccessToken, ttl time.Duration)
}

// Cleaner is implemented by caches that keep expired entries until swept
type Cleaner interface {
	Cleanup()
}

// GetConfiguredTTL returns the TTL from config or the default if not specified
func GetConfiguredTTL(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.TokenCache != nil && cfg.TokenCache.TTL > 0 {
		return cfg.TokenCache.TTL
	}
	return Defaults.TTL
}

// GetConfiguredMaxLocalSize returns the max local size from config or the default if not specified
func GetConfiguredMaxLocalSize(cfg *config.Config) int {
	if cfg != nil && cfg.TokenCache != nil && cfg.TokenCache.MaxLocalSize > 0 {
		return cfg.TokenCache.MaxLocalSize
	}
	return Defaults.MaxLocalSize
}

// NewCache creates a cache implementation based on the configuration
func NewCache(cfg *config.Config) (Cache, error) {
	if cfg == nil || cfg.TokenCache == nil {
		return NewMemoryCache(Defaults.MaxLocalSize, Defaults.TTL), nil
	}

	cacheType := cfg.TokenCache.Type
	if cacheType == "" {
		cacheType = "memory"
	}

	switch cacheType {
	case "memory":
		return NewMemoryCache(GetConfiguredMaxLocalSize(cfg), GetConfiguredTTL(cfg)), nil

	case "dynamodb":
		if cfg.TokenCache.DynamoDBTable == "" {
			return nil, fmt.Errorf("DynamoDB table name is required for DynamoDB cache")
		}
		c, err := NewDynamoDBCache(
			cfg.TokenCache.DynamoDBTable,
			WithDynamoDBDefaultTTL(GetConfiguredTTL(cfg)),
			WithDynamoDBMaxLocalSize(GetConfiguredMaxLocalSize(cfg)),
		)
		if err != nil {
			return nil, err
		}
		return c, nil

	case "redis":
		if cfg.TokenCache.RedisAddr == "" {
			return nil, fmt.Errorf("redis address is required for Redis cache")
		}
		c, err := NewRedisCache(
			cfg.TokenCache.RedisAddr,
			WithRedisPassword(cfg.TokenCache.RedisPassword),
			WithRedisDB(cfg.TokenCache.RedisDB),
			WithRedisPrefix(cfg.TokenCache.RedisPrefix),
			WithRedisDefaultTTL(GetConfiguredTTL(cfg)),
			WithRedisMaxLocalSize(GetConfiguredMaxLocalSize(cfg)),
		)
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cacheType)
	}
}

func cloneToken(t *types.AccessToken) *types.AccessToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
