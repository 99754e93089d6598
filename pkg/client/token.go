package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TokenRequest identifies one client-credentials exchange.
type TokenRequest struct {
	URL          string
	ClientID     string
	ClientSecret string
	Audience     string
}

// Validate checks that every field is set and that URL is an http(s) URL.
func (r TokenRequest) Validate() error {
	if err := utils.ValidateHTTPURL(r.URL); err != nil {
		return fmt.Errorf("%w: token url: %v", ErrInvalidRequest, err)
	}
	switch {
	case r.ClientID == "":
		return fmt.Errorf("%w: client id is empty", ErrInvalidRequest)
	case r.ClientSecret == "":
		return fmt.Errorf("%w: client secret is empty", ErrInvalidRequest)
	case r.Audience == "":
		return fmt.Errorf("%w: audience is empty", ErrInvalidRequest)
	}
	return nil
}

// LogValue keeps the client secret out of logs.
func (r TokenRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("url", r.URL),
		slog.String("clientId", r.ClientID),
		slog.String("audience", r.Audience),
	)
}

func (r TokenRequest) form() url.Values {
	return url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {r.ClientID},
		"client_secret": {r.ClientSecret},
		"audience":      {r.Audience},
	}
}

// FetchToken performs a client-credentials exchange and decodes the response into T.
// If *T has a Validate() error method, a failing Validate is reported as a DecodeError.
func FetchToken[T any](ctx context.Context, httpClient *http.Client, r TokenRequest) (_ *T, err error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}

	ctx, span := tracer.Start(ctx, "client.Exchange", trace.WithAttributes(
		attribute.String("oauth.audience", r.Audience),
		attribute.String("oauth.client_id", r.ClientID),
	))
	defer func() { endSpan(span, err) }()

	ctx, cancel := withDeadline(ctx, httpClient)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, strings.NewReader(r.form().Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	out := new(T)
	if err = do(httpClient, req, "token", out); err != nil {
		slog.Debug("Token exchange failed", slog.Any("request", r), slog.String("error", err.Error()))
		return nil, err
	}

	slog.Debug("Token exchange completed", slog.Any("request", r), slog.Duration("duration", time.Since(start)))
	return out, nil
}

// Exchange obtains a token with the bootstrap response shape.
func Exchange(ctx context.Context, httpClient *http.Client, r TokenRequest) (*types.AccessToken, error) {
	return FetchToken[types.AccessToken](ctx, httpClient, r)
}

// AccessTokenClient fetches tokens for one set of credentials and decodes them into T.
// It keeps no state between calls besides its configuration.
type AccessTokenClient[T any] struct {
	request    TokenRequest
	httpClient *http.Client
}

// Option configures an AccessTokenClient
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	timeout    time.Duration
}

// WithHTTPClient sets the http.Client used for the exchange
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// WithTimeout sets the per-request timeout when no http.Client is given
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// NewAccessTokenClient validates r and returns a client for it.
func NewAccessTokenClient[T any](r TokenRequest, opts ...Option) (*AccessTokenClient[T], error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = NewHTTPClient(o.timeout)
	}

	return &AccessTokenClient[T]{request: r, httpClient: o.httpClient}, nil
}

// Get performs one exchange. Retries are the caller's responsibility.
func (c *AccessTokenClient[T]) Get(ctx context.Context) (*T, error) {
	return FetchToken[T](ctx, c.httpClient, c.request)
}

// Request returns the configured exchange parameters
func (c *AccessTokenClient[T]) Request() TokenRequest {
	return c.request
}
