package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "m2m-auth:"

// RedisAPI is the subset of the go-redis client used by the cache
type RedisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache stores tokens in Redis with native key expiry, fronted by a local memory cache.
type RedisCache struct {
	rdb        RedisAPI
	prefix     string
	local      *MemoryCache
	defaultTTL time.Duration
}

type redisCacheOptions struct {
	password     string
	db           int
	prefix       string
	defaultTTL   time.Duration
	maxLocalSize int
	client       RedisAPI
}

// RedisCacheOption configures the Redis cache
type RedisCacheOption func(*redisCacheOptions)

func WithRedisPassword(password string) RedisCacheOption {
	return func(o *redisCacheOptions) {
		o.password = password
	}
}

func WithRedisDB(db int) RedisCacheOption {
	return func(o *redisCacheOptions) {
		o.db = db
	}
}

// WithRedisPrefix sets the key namespace. Empty keeps the default.
func WithRedisPrefix(prefix string) RedisCacheOption {
	return func(o *redisCacheOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

func WithRedisDefaultTTL(ttl time.Duration) RedisCacheOption {
	return func(o *redisCacheOptions) {
		o.defaultTTL = ttl
	}
}

func WithRedisMaxLocalSize(size int) RedisCacheOption {
	return func(o *redisCacheOptions) {
		o.maxLocalSize = size
	}
}

// WithRedisClient uses an existing client; addr and credentials are then ignored
func WithRedisClient(client RedisAPI) RedisCacheOption {
	return func(o *redisCacheOptions) {
		o.client = client
	}
}

// NewRedisCache connects lazily to the Redis server at addr
func NewRedisCache(addr string, opts ...RedisCacheOption) (*RedisCache, error) {
	options := &redisCacheOptions{
		prefix:       defaultRedisPrefix,
		defaultTTL:   Defaults.TTL,
		maxLocalSize: Defaults.MaxLocalSize,
	}
	for _, opt := range opts {
		opt(options)
	}

	client := options.client
	if client == nil {
		if addr == "" {
			return nil, errors.New("redis address is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     options.password,
			DB:           options.db,
			DialTimeout:  Defaults.Timeout,
			ReadTimeout:  Defaults.Timeout,
			WriteTimeout: Defaults.Timeout,
			MaxRetries:   Defaults.MaxRetries,
		})
	}

	return &RedisCache{
		rdb:        client,
		prefix:     options.prefix,
		local:      NewMemoryCache(options.maxLocalSize, options.defaultTTL),
		defaultTTL: options.defaultTTL,
	}, nil
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func (c *RedisCache) Get(key string) (*types.AccessToken, bool) {
	if tok, found := c.local.Get(key); found {
		return tok, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), Defaults.Timeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		slog.Debug("Cache miss in Redis", "key", key)
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to get item from Redis", "key", key, "error", err.Error())
		return nil, false
	}

	if len(val) > int(Defaults.MaxItemSize) {
		slog.Warn("Redis cache item exceeds maximum allowed size", "key", key, "size", len(val))
		return nil, false
	}

	var tok types.AccessToken
	if err := json.Unmarshal(val, &tok); err != nil {
		slog.Error("Failed to unmarshal token from Redis", "key", key, "error", err.Error())
		return nil, false
	}

	// Redis expires the key itself; the local copy must not outlive the token
	if !tok.Expiry.IsZero() {
		if time.Now().After(tok.Expiry) {
			return nil, false
		}
		c.local.set(key, &tok, tok.Expiry)
	}

	slog.Debug("Redis cache hit", "key", key)
	return &tok, true
}

func (c *RedisCache) Set(key string, value *types.AccessToken, ttl time.Duration) {
	if value == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.local.Set(key, value, ttl)

	b, err := json.Marshal(value)
	if err != nil {
		slog.Error("Failed to marshal token", "key", key, "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), Defaults.Timeout)
	defer cancel()

	if err := c.rdb.Set(ctx, c.key(key), b, ttl).Err(); err != nil {
		slog.Error("Failed to set item in Redis", "key", key, "error", err.Error())
		return
	}

	slog.Debug("Cached value in Redis", "key", key, "ttl", ttl)
}

// Cleanup sweeps the local cache
func (c *RedisCache) Cleanup() {
	c.local.Cleanup()
}
