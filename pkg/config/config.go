package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/utils"
	"github.com/spf13/viper"
)

var (
	once              sync.Once
	instance          *Config
	requestTimeout    = "10s"    // Default timeout for outbound calls to the identity provider
	clockSkew         = "0s"     // Default leeway applied to time-based claim checks
	cacheType         = "memory" // Default app token cache type
	cacheTTL          = "1h"     // Upper bound for cached app tokens
	cacheMaxLocalSize = 10       // Default max local size for memory cache
)

// maxRequestTimeout bounds every outbound call to the identity provider
const maxRequestTimeout = 10 * time.Second

// APICredentials are the client-credentials identifiers for one API audience
type APICredentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Audience     string `mapstructure:"audience"`
}

type TokenCache struct {
	Type          string        `mapstructure:"type"`           // Cache type ("memory", "dynamodb", "redis")
	TTL           time.Duration `mapstructure:"ttl"`            // Maximum lifetime of a cached token, capped by expires_in
	MaxLocalSize  int           `mapstructure:"max_local_size"` // Maximum size of local cache
	DynamoDBTable string        `mapstructure:"dynamodb_table"` // DynamoDB table name (if using DynamoDB cache)
	RedisAddr     string        `mapstructure:"redis_addr"`     // Redis address host:port (if using Redis cache)
	RedisPassword string        `mapstructure:"redis_password"` // Redis password (optional)
	RedisDB       int           `mapstructure:"redis_db"`       // Redis database number
	RedisPrefix   string        `mapstructure:"redis_prefix"`   // Key prefix for Redis entries
	CleanupSpec   string        `mapstructure:"cleanup_spec"`   // Cron spec for memory cache cleanup (ex: "@every 5m")
}

type Config struct {
	AccessTokenURL string         `mapstructure:"access_token_url"` // Client-credentials token endpoint
	ManagementAPI  APICredentials `mapstructure:"management_api"`   // Credentials used to read the JWKS
	AppAPI         APICredentials `mapstructure:"app_api"`          // Credentials used to call application APIs
	JWKSURL        string         `mapstructure:"jwks_url"`         // JWKS endpoint
	Audience       string         `mapstructure:"aud"`              // Expected aud of verified tokens
	Issuer         string         `mapstructure:"iss"`              // Expected iss of verified tokens

	RequestTimeout time.Duration `mapstructure:"request_timeout"` // Timeout for each outbound HTTP call
	ClockSkew      time.Duration `mapstructure:"clock_skew"`      // Leeway for time based claims
	TokenCache     *TokenCache   `mapstructure:"token_cache"`     // App token cache configuration

	// Logging configuration directly to S3 (duplicates cloudwatch logs)
	LogToS3   bool   `mapstructure:"log_to_s3"`
	LogBucket string `mapstructure:"log_bucket"`
	LogPrefix string `mapstructure:"log_prefix"`
}

// envBindings maps config keys to the prefixed and the plain environment variable names.
// The plain names match the variables used by existing .env files.
var envBindings = map[string]string{
	"access_token_url":             "ACCESS_TOKEN_URL",
	"management_api.client_id":     "MANAGEMENT_API_CLIENT_ID",
	"management_api.client_secret": "MANAGEMENT_API_CLIENT_SECRET",
	"management_api.audience":      "MANAGEMENT_API_AUDIENCE",
	"app_api.client_id":            "APP_API_CLIENT_ID",
	"app_api.client_secret":        "APP_API_CLIENT_SECRET",
	"app_api.audience":             "APP_API_AUDIENCE",
	"jwks_url":                     "JWKS_URL",
	"aud":                          "AUD",
	"iss":                          "ISS",
}

// NewConfig initializes and returns the configuration. It ensures that the config is loaded only once.
func NewConfig() (*Config, error) {
	var err error
	once.Do(func() {
		instance = &Config{}
		err = instance.LoadConfig()
	})
	return instance, err
}

// LoadConfig loads configuration from an optional file and the environment.
func (c *Config) LoadConfig() error {
	return c.load(viper.New())
}

func (c *Config) load(v *viper.Viper) error {
	configName := utils.GetEnv("CONFIG_NAME", "config") // Configuration file name without extension
	configPath := utils.GetEnv("CONFIG_PATH", ".")      // Configuration file path, default to current directory

	v.SetEnvPrefix("m2m") // ex: "M2M_JWKS_URL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.AddConfigPath("/etc/m2m-auth/")
	v.AddConfigPath(configPath)
	v.SetConfigName(configName)

	v.SetDefault("request_timeout", requestTimeout)
	v.SetDefault("clock_skew", clockSkew)
	v.SetDefault("token_cache.type", cacheType)
	v.SetDefault("token_cache.ttl", cacheTTL)
	v.SetDefault("token_cache.max_local_size", cacheMaxLocalSize)

	// Required settings accept both M2M_<KEY> and the plain name, in that order
	for key, plain := range envBindings {
		prefixed := "M2M_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		_ = v.BindEnv(key, prefixed, plain)
	}

	_ = v.BindEnv("request_timeout")              // M2M_REQUEST_TIMEOUT
	_ = v.BindEnv("clock_skew")                   // M2M_CLOCK_SKEW
	_ = v.BindEnv("token_cache.type")             // M2M_TOKEN_CACHE_TYPE
	_ = v.BindEnv("token_cache.ttl")              // M2M_TOKEN_CACHE_TTL
	_ = v.BindEnv("token_cache.max_local_size")   // M2M_TOKEN_CACHE_MAX_LOCAL_SIZE
	_ = v.BindEnv("token_cache.dynamodb_table")   // M2M_TOKEN_CACHE_DYNAMODB_TABLE
	_ = v.BindEnv("token_cache.redis_addr")       // M2M_TOKEN_CACHE_REDIS_ADDR
	_ = v.BindEnv("token_cache.redis_password")   // M2M_TOKEN_CACHE_REDIS_PASSWORD
	_ = v.BindEnv("token_cache.redis_db")         // M2M_TOKEN_CACHE_REDIS_DB
	_ = v.BindEnv("token_cache.redis_prefix")     // M2M_TOKEN_CACHE_REDIS_PREFIX
	_ = v.BindEnv("token_cache.cleanup_spec")     // M2M_TOKEN_CACHE_CLEANUP_SPEC
	_ = v.BindEnv("log_to_s3")                    // M2M_LOG_TO_S3
	_ = v.BindEnv("log_bucket")                   // M2M_LOG_BUCKET
	_ = v.BindEnv("log_prefix")                   // M2M_LOG_PREFIX

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("problem reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return c.Validate()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := utils.ValidateHTTPURL(c.AccessTokenURL); err != nil {
		return fmt.Errorf("access_token_url: %w", err)
	}

	if err := utils.ValidateHTTPURL(c.JWKSURL); err != nil {
		return fmt.Errorf("jwks_url: %w", err)
	}

	if err := c.ManagementAPI.validate("management_api"); err != nil {
		return err
	}

	if err := c.AppAPI.validate("app_api"); err != nil {
		return err
	}

	if c.Audience == "" {
		return errors.New("aud is required")
	}

	if c.Issuer == "" {
		return errors.New("iss is required")
	}

	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}

	if c.RequestTimeout > maxRequestTimeout {
		return fmt.Errorf("request_timeout cannot exceed %s", maxRequestTimeout)
	}

	if c.ClockSkew < 0 {
		return errors.New("clock_skew cannot be negative")
	}

	if c.LogToS3 && c.LogBucket == "" {
		return errors.New("log_bucket is required when log_to_s3 is enabled")
	}

	return nil
}

func (a APICredentials) validate(name string) error {
	switch {
	case a.ClientID == "":
		return fmt.Errorf("%s.client_id is required", name)
	case a.ClientSecret == "":
		return fmt.Errorf("%s.client_secret is required", name)
	case a.Audience == "":
		return fmt.Errorf("%s.audience is required", name)
	}
	return nil
}

// ValidationConfig returns the expected claims for verifying incoming tokens.
func (c *Config) ValidationConfig() types.ValidationConfig {
	return types.ValidationConfig{
		ExpectedAudience: c.Audience,
		ExpectedIssuer:   c.Issuer,
	}
}
