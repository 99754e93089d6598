package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FetchJWKS retrieves the provider's signing keys with an authenticated GET.
// The caller is responsible for accessToken having been issued for an audience that may read the keys.
func FetchJWKS(ctx context.Context, httpClient *http.Client, jwksURL, accessToken string) (_ *types.JWKS, err error) {
	if err := utils.ValidateHTTPURL(jwksURL); err != nil {
		return nil, fmt.Errorf("%w: jwks url: %v", ErrInvalidRequest, err)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("%w: access token is empty", ErrInvalidRequest)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}

	ctx, span := tracer.Start(ctx, "client.FetchJWKS", trace.WithAttributes(
		attribute.String("jwks.url", jwksURL),
	))
	defer func() { endSpan(span, err) }()

	ctx, cancel := withDeadline(ctx, httpClient)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var jwks types.JWKS
	if err = do(httpClient, req, "jwks", &jwks); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("jwks.keys", len(jwks.Keys)))
	slog.Debug("Fetched JWKS", slog.String("url", jwksURL), slog.Int("keys", len(jwks.Keys)))

	return &jwks, nil
}
