package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/boogy/m2m-auth/pkg/types"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultExpiryMargin is subtracted from a token's lifetime before it is cached
const DefaultExpiryMargin = 60 * time.Second

// TokenCache stores access tokens between exchanges.
type TokenCache interface {
	Get(key string) (*types.AccessToken, bool)
	Set(key string, value *types.AccessToken, ttl time.Duration)
}

// CacheKey derives the cache key for r. The client secret is not part of the key.
func CacheKey(r TokenRequest) string {
	sum := sha256.Sum256([]byte(r.URL + "|" + r.ClientID + "|" + r.Audience))
	return "token:" + hex.EncodeToString(sum[:])
}

// CachedTokenSource serves application API tokens from a TokenCache and performs
// a client-credentials exchange on a miss. Concurrent misses share one exchange.
type CachedTokenSource struct {
	client *AccessTokenClient[types.AccessToken]
	cache  TokenCache
	key    string
	maxTTL time.Duration
	margin time.Duration
	now    func() time.Time
	group  singleflight.Group
}

// SourceOption configures a CachedTokenSource
type SourceOption func(*CachedTokenSource)

// WithMaxTTL caps how long a token stays cached regardless of expires_in
func WithMaxTTL(d time.Duration) SourceOption {
	return func(s *CachedTokenSource) {
		s.maxTTL = d
	}
}

// WithExpiryMargin sets how long before expiry a cached token is considered stale
func WithExpiryMargin(d time.Duration) SourceOption {
	return func(s *CachedTokenSource) {
		s.margin = d
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) SourceOption {
	return func(s *CachedTokenSource) {
		s.now = now
	}
}

// NewCachedTokenSource builds a token source for c backed by cache.
func NewCachedTokenSource(c *AccessTokenClient[types.AccessToken], cache TokenCache, opts ...SourceOption) (*CachedTokenSource, error) {
	if c == nil {
		return nil, errors.New("access token client is required")
	}
	if cache == nil {
		return nil, errors.New("token cache is required")
	}

	s := &CachedTokenSource{
		client: c,
		cache:  cache,
		key:    CacheKey(c.Request()),
		margin: DefaultExpiryMargin,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// AccessToken returns a cached token or fetches a new one. The shared exchange
// is detached from ctx so one caller giving up does not fail the others; each
// caller still returns as soon as its own ctx is done.
func (s *CachedTokenSource) AccessToken(ctx context.Context) (*types.AccessToken, error) {
	if tok, ok := s.cache.Get(s.key); ok && s.fresh(tok) {
		return tok, nil
	}

	// The exchange keeps ctx values (trace spans) but not its cancellation.
	// The client's own timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(s.key, func() (any, error) {
		// Another caller may have filled the cache while we waited
		if tok, ok := s.cache.Get(s.key); ok && s.fresh(tok) {
			return tok, nil
		}

		tok, err := s.client.Get(fetchCtx)
		if err != nil {
			return nil, err
		}
		tok.Stamp(s.now())

		if ttl := s.ttl(tok); ttl > 0 {
			s.cache.Set(s.key, tok, ttl)
		}
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("Shared in-flight token exchange", slog.String("audience", s.client.Request().Audience))
		}
		return res.Val.(*types.AccessToken), nil
	}
}

// Token implements oauth2.TokenSource.
func (s *CachedTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.AccessToken(context.Background())
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.Expiry.Add(-s.margin),
	}, nil
}

// Client returns an http.Client that authorizes every request with a token from s.
func (s *CachedTokenSource) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s)
}

func (s *CachedTokenSource) fresh(tok *types.AccessToken) bool {
	return tok != nil && !tok.Expiry.IsZero() && s.now().Add(s.margin).Before(tok.Expiry)
}

func (s *CachedTokenSource) ttl(tok *types.AccessToken) time.Duration {
	ttl := tok.Expiry.Sub(s.now()) - s.margin
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	return ttl
}
