// Package middleware protects gin, echo and gRPC servers with the token verifier.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/handler"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/validator"
	"github.com/google/uuid"
)

// ClaimsKey is the key under which gin and echo contexts hold the verified claims
const ClaimsKey = "claims"

type claimsContextKey struct{}

var (
	// ErrMissingToken means no Authorization header or metadata was sent
	ErrMissingToken = errors.New("missing bearer token")

	// ErrMultipleTokens means more than one authorization value was sent
	ErrMultipleTokens = errors.New("multiple authorization values are not allowed")
)

// Authenticator verifies the bearer token of incoming requests
type Authenticator struct {
	processor *handler.RequestProcessor
	excluded  map[string]bool
	logger    *slog.Logger
}

// Option configures an Authenticator
type Option func(*Authenticator)

// WithExcluded skips verification for the given HTTP paths or gRPC full method names
func WithExcluded(routes ...string) Option {
	return func(a *Authenticator) {
		for _, r := range routes {
			a.excluded[r] = true
		}
	}
}

// WithLogger sets the logger, slog.Default() otherwise
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = l
	}
}

// New creates an Authenticator checking tokens against cfg's expected aud and iss
func New(cfg *config.Config, v validator.TokenValidatorInterface, opts ...Option) *Authenticator {
	a := &Authenticator{
		processor: handler.NewRequestProcessor(cfg, v),
		excluded:  make(map[string]bool),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithClaims returns a copy of ctx carrying claims
func WithClaims(ctx context.Context, claims *types.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by the middleware
func ClaimsFromContext(ctx context.Context) (*types.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*types.Claims)
	return claims, ok && claims != nil
}

func (a *Authenticator) skip(route string) bool {
	return a.excluded[route]
}

// authenticate verifies the raw Authorization value. Errors wrap one of
// ErrMissingToken, handler.ErrInvalidAuthScheme, handler.ErrTokenTooLarge,
// handler.ErrUnauthorized or handler.ErrVerifierUnavailable.
func (a *Authenticator) authenticate(ctx context.Context, authorization, route string) (*types.Claims, error) {
	token, err := parseAuthorization(authorization)
	if err != nil {
		a.logger.Debug("Request rejected before verification",
			slog.String("route", route),
			slog.String("error", err.Error()))
		return nil, err
	}

	requestID := uuid.New().String()
	log := a.logger.With(slog.String("requestId", requestID), slog.String("route", route))

	return a.processor.ProcessRequest(ctx, token, requestID, log)
}

func parseAuthorization(value string) (types.BearerToken, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrMissingToken
	}

	scheme, token, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", handler.ErrInvalidAuthScheme
	}
	if err := handler.ValidateToken(token); err != nil {
		return "", err
	}

	return types.NewBearerToken(token), nil
}
