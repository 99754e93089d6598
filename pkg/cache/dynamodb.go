package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/boogy/m2m-auth/pkg/types"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the cache
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBCache shares tokens between Lambda instances through a DynamoDB table,
// with a small in-memory cache in front of it.
//
// The table uses "Key" as its string partition key. "TTL" holds the expiry as
// epoch seconds for DynamoDB native TTL.
type DynamoDBCache struct {
	client     DynamoDBAPI
	tableName  string
	local      *MemoryCache
	defaultTTL time.Duration
	now        func() time.Time
}

type dynamoDBCacheOptions struct {
	maxLocalSize int
	defaultTTL   time.Duration
	awsConfig    *aws.Config
	client       DynamoDBAPI
}

// DynamoDBCacheOption is a function that configures the DynamoDB cache
type DynamoDBCacheOption func(*dynamoDBCacheOptions)

// WithDynamoDBMaxLocalSize sets the maximum size of the local memory cache
func WithDynamoDBMaxLocalSize(size int) DynamoDBCacheOption {
	return func(o *dynamoDBCacheOptions) {
		o.maxLocalSize = size
	}
}

// WithDynamoDBDefaultTTL sets the default TTL for cache items
func WithDynamoDBDefaultTTL(ttl time.Duration) DynamoDBCacheOption {
	return func(o *dynamoDBCacheOptions) {
		o.defaultTTL = ttl
	}
}

// WithDynamoDBAWSConfig sets a custom AWS configuration
func WithDynamoDBAWSConfig(cfg aws.Config) DynamoDBCacheOption {
	return func(o *dynamoDBCacheOptions) {
		o.awsConfig = &cfg
	}
}

// WithDynamoDBClient uses an existing client instead of building one
func WithDynamoDBClient(client DynamoDBAPI) DynamoDBCacheOption {
	return func(o *dynamoDBCacheOptions) {
		o.client = client
	}
}

// NewDynamoDBCache creates a new DynamoDB cache with the given table name
func NewDynamoDBCache(tableName string, opts ...DynamoDBCacheOption) (*DynamoDBCache, error) {
	if tableName == "" {
		return nil, fmt.Errorf("DynamoDB table name is required")
	}

	options := &dynamoDBCacheOptions{
		maxLocalSize: Defaults.MaxLocalSize,
		defaultTTL:   Defaults.TTL,
	}
	for _, opt := range opts {
		opt(options)
	}

	client := options.client
	if client == nil {
		var cfg aws.Config
		if options.awsConfig != nil {
			cfg = *options.awsConfig
		} else {
			var err error
			cfg, err = config.LoadDefaultConfig(context.TODO(),
				config.WithRetryMaxAttempts(Defaults.MaxRetries),
			)
			if err != nil {
				slog.Error("Failed to load AWS config for DynamoDB cache", "error", err.Error())
				return nil, fmt.Errorf("failed to load AWS config: %w", err)
			}
		}
		client = dynamodb.NewFromConfig(cfg)
	}

	return &DynamoDBCache{
		client:     client,
		tableName:  tableName,
		local:      NewMemoryCache(options.maxLocalSize, options.defaultTTL),
		defaultTTL: options.defaultTTL,
		now:        time.Now,
	}, nil
}

// Get returns a token from the local cache or DynamoDB
func (c *DynamoDBCache) Get(key string) (*types.AccessToken, bool) {
	if tok, found := c.local.Get(key); found {
		slog.Debug("Local memory cache hit", "key", key)
		return tok, true
	}

	tok, expiration, found := c.getFromDynamoDB(key)
	if !found {
		return nil, false
	}

	c.local.set(key, tok, expiration)
	return tok, true
}

func (c *DynamoDBCache) getFromDynamoDB(key string) (*types.AccessToken, time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), Defaults.Timeout)
	defer cancel()

	result, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]dynamodbtypes.AttributeValue{
			"Key": &dynamodbtypes.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		slog.Error("Failed to get item from DynamoDB",
			"key", key,
			"error", err.Error(),
			"table", c.tableName)
		return nil, time.Time{}, false
	}

	if result.Item == nil {
		slog.Debug("Cache miss in DynamoDB", "key", key)
		return nil, time.Time{}, false
	}

	valueAttr, ok := result.Item["Value"].(*dynamodbtypes.AttributeValueMemberS)
	if !ok {
		slog.Error("Invalid item format in DynamoDB - missing Value attribute", "key", key)
		return nil, time.Time{}, false
	}

	if len(valueAttr.Value) > int(Defaults.MaxItemSize) {
		slog.Warn("DynamoDB cache item exceeds maximum allowed size",
			"key", key,
			"size", len(valueAttr.Value),
			"maxAllowed", Defaults.MaxItemSize)
		return nil, time.Time{}, false
	}

	// Native TTL deletion is lazy so the expiry is checked here as well
	ttlAttr, ok := result.Item["TTL"].(*dynamodbtypes.AttributeValueMemberN)
	if !ok {
		slog.Error("Invalid item format in DynamoDB - missing TTL attribute", "key", key)
		return nil, time.Time{}, false
	}
	epoch, err := strconv.ParseInt(ttlAttr.Value, 10, 64)
	if err != nil {
		slog.Error("Invalid TTL in DynamoDB", "key", key, "error", err.Error())
		return nil, time.Time{}, false
	}
	expiration := time.Unix(epoch, 0)
	if c.now().After(expiration) {
		slog.Debug("DynamoDB cache entry expired", "key", key)
		return nil, time.Time{}, false
	}

	var tok types.AccessToken
	if err := json.Unmarshal([]byte(valueAttr.Value), &tok); err != nil {
		slog.Error("Failed to unmarshal token from DynamoDB",
			"key", key,
			"error", err.Error())
		return nil, time.Time{}, false
	}

	slog.Debug("DynamoDB cache hit", "key", key)
	return &tok, expiration, true
}

// Set stores a token locally and in DynamoDB. The write is synchronous since a
// Lambda instance may be frozen as soon as the response is returned.
func (c *DynamoDBCache) Set(key string, value *types.AccessToken, ttl time.Duration) {
	if value == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	expiration := c.now().Add(ttl)
	c.local.set(key, value, expiration)
	c.storeInDynamoDB(key, value, expiration)
}

func (c *DynamoDBCache) storeInDynamoDB(key string, value *types.AccessToken, expiration time.Time) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		slog.Error("Failed to marshal token", "key", key, "error", err.Error())
		return
	}

	if len(valueJSON) > int(Defaults.DynamoDBMaxItemSize) {
		slog.Error("Cache item too large to store in DynamoDB",
			"key", key,
			"size", len(valueJSON),
			"maxAllowed", Defaults.DynamoDBMaxItemSize)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), Defaults.Timeout)
	defer cancel()

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]dynamodbtypes.AttributeValue{
			"Key":       &dynamodbtypes.AttributeValueMemberS{Value: key},
			"Value":     &dynamodbtypes.AttributeValueMemberS{Value: string(valueJSON)},
			"TTL":       &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expiration.Unix(), 10)},
			"CreatedAt": &dynamodbtypes.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		slog.Error("Failed to set item in DynamoDB",
			"key", key,
			"error", err.Error(),
			"table", c.tableName)
		return
	}

	slog.Debug("Cached value in DynamoDB", "key", key, "expiration", expiration, "size", len(valueJSON))
}

// Cleanup sweeps the local cache
func (c *DynamoDBCache) Cleanup() {
	c.local.Cleanup()
}
