package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boogy/m2m-auth/pkg/client"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenResponse = `{"access_token":"abc","expires_in":86400,"scope":"read:x","token_type":"Bearer"}`

func tokenRequest(url string) client.TokenRequest {
	return client.TokenRequest{
		URL:          url,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Audience:     "https://tenant.example.com/api/v2/",
	}
}

// tokenServer answers every request with status and body and counts the calls
func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestExchange_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "m2m-auth/")
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "https://tenant.example.com/api/v2/", r.PostForm.Get("audience"))
		_, _ = w.Write([]byte(tokenResponse))
	}))
	defer srv.Close()

	tok, err := client.Exchange(context.Background(), srv.Client(), tokenRequest(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, 86400, tok.ExpiresIn)
	assert.Equal(t, "read:x", tok.Scope)
	assert.Equal(t, "Bearer", tok.TokenType)
}

func TestExchange_NilHTTPClient(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, tokenResponse)

	tok, err := client.Exchange(context.Background(), nil, tokenRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExchange_InvalidRequest(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, tokenResponse)

	tests := []struct {
		name   string
		mutate func(r *client.TokenRequest)
	}{
		{name: "relative url", mutate: func(r *client.TokenRequest) { r.URL = "/oauth/token" }},
		{name: "unsupported scheme", mutate: func(r *client.TokenRequest) { r.URL = "ftp://example.com/token" }},
		{name: "empty client id", mutate: func(r *client.TokenRequest) { r.ClientID = "" }},
		{name: "empty client secret", mutate: func(r *client.TokenRequest) { r.ClientSecret = "" }},
		{name: "empty audience", mutate: func(r *client.TokenRequest) { r.Audience = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tokenRequest(srv.URL)
			tt.mutate(&r)

			_, err := client.Exchange(context.Background(), srv.Client(), r)
			assert.ErrorIs(t, err, client.ErrInvalidRequest)
		})
	}

	assert.Equal(t, int32(0), calls.Load(), "no request should reach the server")
}

func TestExchange_ErrorStatus(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusUnauthorized, `{"error":"access_denied"}`)

	_, err := client.Exchange(context.Background(), srv.Client(), tokenRequest(srv.URL))
	require.Error(t, err)

	var terr *client.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusUnauthorized, terr.StatusCode)
	assert.Equal(t, "token", terr.Op)
	assert.Contains(t, terr.Body, "access_denied")
	assert.Contains(t, err.Error(), "401")
}

func TestExchange_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"access_token":`},
		{name: "missing access token", body: `{"token_type":"Bearer","expires_in":60}`},
		{name: "missing token type", body: `{"access_token":"abc","expires_in":60}`},
		{name: "wrong field type", body: `{"access_token":"abc","token_type":"Bearer","expires_in":"soon"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := tokenServer(t, http.StatusOK, tt.body)

			_, err := client.Exchange(context.Background(), srv.Client(), tokenRequest(srv.URL))
			var derr *client.DecodeError
			assert.ErrorAs(t, err, &derr)
		})
	}
}

func TestExchange_OversizedBody(t *testing.T) {
	body := `{"access_token":"` + strings.Repeat("a", 1<<20) + `","token_type":"Bearer"}`
	srv, _ := tokenServer(t, http.StatusOK, body)

	_, err := client.Exchange(context.Background(), srv.Client(), tokenRequest(srv.URL))
	var derr *client.DecodeError
	assert.ErrorAs(t, err, &derr)
}

func TestExchange_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := client.Exchange(context.Background(), client.NewHTTPClient(50*time.Millisecond), tokenRequest(srv.URL))
	require.Error(t, err)

	var terr *client.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, terr.StatusCode)
	assert.True(t, terr.Timeout())
}

func TestExchange_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := client.Exchange(context.Background(), nil, tokenRequest(url))
	var terr *client.TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestFetchToken_AppAccessToken(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK, `{"access_token":"app","expires_in":3600,"token_type":"Bearer"}`)

	tok, err := client.FetchToken[types.AppAccessToken](context.Background(), srv.Client(), tokenRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "app", tok.AccessToken)
	assert.Equal(t, 3600, tok.ExpiresIn)
}

func TestAccessTokenClient(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"app","expires_in":3600,"token_type":"Bearer"}`)

	_, err := client.NewAccessTokenClient[types.AppAccessToken](client.TokenRequest{URL: srv.URL})
	assert.ErrorIs(t, err, client.ErrInvalidRequest)

	c, err := client.NewAccessTokenClient[types.AppAccessToken](tokenRequest(srv.URL), client.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	for range 2 {
		tok, err := c.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "app", tok.AccessToken)
	}
	// No caching at this layer
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, srv.URL, c.Request().URL)
}

func TestFetchJWKS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"keys":[{"kty":"RSA","kid":"k1","use":"sig","alg":"RS256","n":"AQAB","e":"AQAB","x5c":["MIIC"]}]}`))
	}))
	defer srv.Close()

	jwks, err := client.FetchJWKS(context.Background(), srv.Client(), srv.URL, "abc")
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)

	key := jwks.Keys[0]
	assert.Equal(t, "k1", key.KeyID)
	assert.Equal(t, "RSA", key.KeyType)
	assert.Equal(t, "sig", key.Use)
	assert.Equal(t, "RS256", key.Algorithm)
	assert.Equal(t, []string{"MIIC"}, key.X5c)
}

func TestFetchJWKS_Errors(t *testing.T) {
	t.Run("empty token", func(t *testing.T) {
		_, err := client.FetchJWKS(context.Background(), nil, "https://example.com/jwks", "")
		assert.ErrorIs(t, err, client.ErrInvalidRequest)
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := client.FetchJWKS(context.Background(), nil, "not a url", "abc")
		assert.ErrorIs(t, err, client.ErrInvalidRequest)
	})

	t.Run("forbidden", func(t *testing.T) {
		srv, _ := tokenServer(t, http.StatusForbidden, `{"error":"insufficient_scope"}`)
		_, err := client.FetchJWKS(context.Background(), srv.Client(), srv.URL, "abc")
		var terr *client.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, http.StatusForbidden, terr.StatusCode)
		assert.Equal(t, "jwks", terr.Op)
	})

	t.Run("missing keys", func(t *testing.T) {
		srv, _ := tokenServer(t, http.StatusOK, `{"items":[]}`)
		_, err := client.FetchJWKS(context.Background(), srv.Client(), srv.URL, "abc")
		var derr *client.DecodeError
		assert.ErrorAs(t, err, &derr)
	})

	t.Run("empty key set is accepted", func(t *testing.T) {
		srv, _ := tokenServer(t, http.StatusOK, `{"keys":[]}`)
		jwks, err := client.FetchJWKS(context.Background(), srv.Client(), srv.URL, "abc")
		require.NoError(t, err)
		assert.Empty(t, jwks.Keys)
	})
}

func TestTransportError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", &client.TransportError{Op: "token", URL: "https://example.com", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

// mapCache is a minimal TokenCache
type mapCache struct {
	mu    sync.Mutex
	items map[string]*types.AccessToken
	ttls  map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{items: map[string]*types.AccessToken{}, ttls: map[string]time.Duration{}}
}

func (c *mapCache) Get(key string) (*types.AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *mapCache) Set(key string, value *types.AccessToken, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	c.ttls[key] = ttl
}

func newSource(t *testing.T, url string, cache client.TokenCache, opts ...client.SourceOption) *client.CachedTokenSource {
	t.Helper()
	c, err := client.NewAccessTokenClient[types.AccessToken](tokenRequest(url))
	require.NoError(t, err)
	s, err := client.NewCachedTokenSource(c, cache, opts...)
	require.NoError(t, err)
	return s
}

func TestCachedTokenSource_CachesToken(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, tokenResponse)
	cache := newMapCache()
	s := newSource(t, srv.URL, cache, client.WithMaxTTL(time.Hour))

	for range 3 {
		tok, err := s.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "abc", tok.AccessToken)
		assert.False(t, tok.Expiry.IsZero())
	}
	assert.Equal(t, int32(1), calls.Load())

	key := client.CacheKey(tokenRequest(srv.URL))
	assert.Equal(t, time.Hour, cache.ttls[key])
}

func TestCachedTokenSource_ConcurrentMisses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(tokenResponse))
	}))
	defer srv.Close()

	s := newSource(t, srv.URL, newMapCache())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.AccessToken(context.Background())
			assert.NoError(t, err)
			if tok != nil {
				assert.Equal(t, "abc", tok.AccessToken)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedTokenSource_CallerDeadlineDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(tokenResponse))
	}))
	defer srv.Close()

	s := newSource(t, srv.URL, newMapCache())

	// The impatient caller starts the exchange
	shortErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := s.AccessToken(ctx)
		shortErr <- err
	}()
	<-started

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	assert.ErrorIs(t, <-shortErr, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedTokenSource_CanceledCallerReturnsEarly(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(tokenResponse))
	}))
	defer srv.Close()
	defer close(release)

	s := newSource(t, srv.URL, newMapCache())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.AccessToken(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCachedTokenSource_RefreshesStaleToken(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"short","expires_in":30,"token_type":"Bearer"}`)
	cache := newMapCache()
	s := newSource(t, srv.URL, cache)

	// expires_in is inside the default margin so nothing is cached
	for range 2 {
		_, err := s.AccessToken(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, cache.items)
}

func TestCachedTokenSource_Clock(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, tokenResponse)
	now := time.Now()
	s := newSource(t, srv.URL, newMapCache(), client.WithClock(func() time.Time { return now }))

	_, err := s.AccessToken(context.Background())
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	_, err = s.AccessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestCachedTokenSource_Error(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusInternalServerError, "oops")
	cache := newMapCache()
	s := newSource(t, srv.URL, cache)

	_, err := s.AccessToken(context.Background())
	var terr *client.TransportError
	assert.ErrorAs(t, err, &terr)
	assert.Empty(t, cache.items)
}

func TestCachedTokenSource_OAuth2(t *testing.T) {
	tokens, _ := tokenServer(t, http.StatusOK, tokenResponse)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	s := newSource(t, tokens.URL, newMapCache(), client.WithExpiryMargin(time.Minute))

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.True(t, tok.Valid())

	resp, err := s.Client(context.Background()).Get(api.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestNewCachedTokenSource_Validation(t *testing.T) {
	_, err := client.NewCachedTokenSource(nil, newMapCache())
	assert.Error(t, err)

	c, err := client.NewAccessTokenClient[types.AccessToken](tokenRequest("https://example.com/oauth/token"))
	require.NoError(t, err)
	_, err = client.NewCachedTokenSource(c, nil)
	assert.Error(t, err)
}

func TestCacheKey(t *testing.T) {
	r := tokenRequest("https://example.com/oauth/token")
	other := r
	other.ClientSecret = "rotated"

	assert.Equal(t, client.CacheKey(r), client.CacheKey(other), "secret must not change the key")
	assert.True(t, strings.HasPrefix(client.CacheKey(r), "token:"))
	assert.NotContains(t, client.CacheKey(r), "client-secret")

	other.Audience = "https://other.example.com"
	assert.NotEqual(t, client.CacheKey(r), client.CacheKey(other))
}
