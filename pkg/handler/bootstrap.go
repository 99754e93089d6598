package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/boogy/m2m-auth/pkg/cache"
	"github.com/boogy/m2m-auth/pkg/client"
	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/keycache"
	"github.com/boogy/m2m-auth/pkg/s3logger"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/utils"
	"github.com/boogy/m2m-auth/pkg/validator"
	"github.com/boogy/m2m-auth/pkg/version"
)

// Bootstrap contains all the initialized components needed by handlers.
// The app token cache and source are only built on first use.
type Bootstrap struct {
	Config     *config.Config
	Keys       *keycache.KeyCache
	Validator  validator.TokenValidatorInterface
	HTTPClient *http.Client
	S3Logger   *s3logger.S3Logger
	Logger     *slog.Logger

	appOnce   sync.Once
	appCache  cache.Cache
	appSource *client.CachedTokenSource
	appErr    error
}

// ManagementTokenRequest returns the exchange used to obtain a JWKS reading token
func ManagementTokenRequest(cfg *config.Config) client.TokenRequest {
	return client.TokenRequest{
		URL:          cfg.AccessTokenURL,
		ClientID:     cfg.ManagementAPI.ClientID,
		ClientSecret: cfg.ManagementAPI.ClientSecret,
		Audience:     cfg.ManagementAPI.Audience,
	}
}

// AppTokenRequest returns the exchange used to call application APIs
func AppTokenRequest(cfg *config.Config) client.TokenRequest {
	return client.TokenRequest{
		URL:          cfg.AccessTokenURL,
		ClientID:     cfg.AppAPI.ClientID,
		ClientSecret: cfg.AppAPI.ClientSecret,
		Audience:     cfg.AppAPI.Audience,
	}
}

// NewBootstrap loads the configuration and initializes all components. Any
// error is meant to stop the process: without signing keys no request can succeed.
func NewBootstrap(ctx context.Context) (*Bootstrap, error) {
	logger := initializeLogger(os.Stdout)

	versionInfo := version.Get()
	logger.Info(
		fmt.Sprintf("Starting %s", versionInfo.BinName),
		slog.String("version", versionInfo.Version),
		slog.String("commit", versionInfo.Commit),
		slog.String("date", versionInfo.Date),
	)

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	s3log, err := s3logger.New(ctx, s3logger.SettingsFromConfig(cfg))
	if err != nil {
		logger.Error("Failed to initialize S3 logger", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to initialize S3 logger: %w", err)
	}
	if s3log.Enabled() {
		logger = initializeLogger(io.MultiWriter(os.Stdout, s3log))
	}

	b, err := NewBootstrapFromConfig(ctx, cfg, client.NewHTTPClient(cfg.RequestTimeout))
	if err != nil {
		_ = s3log.Close(ctx)
		return nil, err
	}
	b.S3Logger = s3log
	b.Logger = logger

	return b, nil
}

// NewBootstrapFromConfig loads the signing keys with cfg and builds the verifier.
// It does not touch the global logger.
func NewBootstrapFromConfig(ctx context.Context, cfg *config.Config, httpClient *http.Client) (*Bootstrap, error) {
	keys := keycache.New()
	err := keycache.Load(ctx, httpClient, keycache.BootstrapConfig{
		Management: ManagementTokenRequest(cfg),
		JWKSURL:    cfg.JWKSURL,
	}, keys)
	if err != nil {
		slog.Error("Failed to load signing keys", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	tokenValidator, err := validator.New(keys, validator.WithLeeway(cfg.ClockSkew))
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	return &Bootstrap{
		Config:     cfg,
		Keys:       keys,
		Validator:  tokenValidator,
		HTTPClient: httpClient,
		Logger:     slog.Default(),
	}, nil
}

// AppTokenSource returns the cached source of application API tokens, building
// it and its token cache on the first call. Later calls share the same source.
func (b *Bootstrap) AppTokenSource() (*client.CachedTokenSource, error) {
	b.appOnce.Do(func() {
		b.appCache, b.appSource, b.appErr = b.newAppTokenSource()
	})
	return b.appSource, b.appErr
}

// TokenCache returns the cache behind AppTokenSource
func (b *Bootstrap) TokenCache() (cache.Cache, error) {
	if _, err := b.AppTokenSource(); err != nil {
		return nil, err
	}
	return b.appCache, nil
}

func (b *Bootstrap) newAppTokenSource() (cache.Cache, *client.CachedTokenSource, error) {
	c, err := client.NewAccessTokenClient[types.AccessToken](AppTokenRequest(b.Config), client.WithHTTPClient(b.HTTPClient))
	if err != nil {
		return nil, nil, err
	}

	tokenCache, err := cache.NewCache(b.Config)
	if err != nil {
		slog.Error("Failed to initialize token cache", slog.String("error", err.Error()))
		return nil, nil, fmt.Errorf("failed to initialize token cache: %w", err)
	}

	source, err := client.NewCachedTokenSource(c, tokenCache, client.WithMaxTTL(cache.GetConfiguredTTL(b.Config)))
	if err != nil {
		return nil, nil, err
	}
	return tokenCache, source, nil
}

// Cleanup ships buffered logs at the end of an invocation
func (b *Bootstrap) Cleanup(ctx context.Context) {
	if b.S3Logger == nil {
		return
	}
	if err := b.S3Logger.Flush(ctx); err != nil {
		b.Logger.Error("Failed to flush logs to S3", slog.String("error", err.Error()))
	}
}

// Close releases background resources
func (b *Bootstrap) Close(ctx context.Context) error {
	if b.S3Logger == nil {
		return nil
	}
	return b.S3Logger.Close(ctx)
}

// initializeLogger sets up the global JSON logger writing to w
func initializeLogger(w io.Writer) *slog.Logger {
	programLevel := new(slog.LevelVar) // Default to Info

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		if level, err := utils.ParseLogLevel(logLevel); err == nil {
			programLevel.Set(level)
		} else {
			slog.Warn("Invalid LOG_LEVEL, defaulting to Info", slog.String("value", logLevel))
		}
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel}))
	slog.SetDefault(logger)

	return logger
}

// NewAwsApiGatewayFromBootstrap creates a new API Gateway handler using bootstrap
func NewAwsApiGatewayFromBootstrap(b *Bootstrap) *AwsApiGateway {
	return NewAwsApiGateway(b.Config, b.Validator)
}

// NewAwsLambdaUrlFromBootstrap creates a new Lambda URL handler using bootstrap
func NewAwsLambdaUrlFromBootstrap(b *Bootstrap) *AwsLambdaUrl {
	return NewAwsLambdaUrl(b.Config, b.Validator)
}

// NewAwsApplicationLoadBalancerFromBootstrap creates a new ALB handler using bootstrap
func NewAwsApplicationLoadBalancerFromBootstrap(b *Bootstrap) *AwsApplicationLoadBalancer {
	return NewAwsApplicationLoadBalancer(b.Config, b.Validator)
}

// NewAwsTokenAuthorizerFromBootstrap creates a new token authorizer using bootstrap
func NewAwsTokenAuthorizerFromBootstrap(b *Bootstrap) *AwsTokenAuthorizer {
	return NewAwsTokenAuthorizer(b.Config, b.Validator)
}
