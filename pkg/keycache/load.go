package keycache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/boogy/m2m-auth/pkg/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BootstrapConfig describes where the signing keys come from.
type BootstrapConfig struct {
	// Management API credentials. The token must be allowed to read the JWKS.
	Management client.TokenRequest
	JWKSURL    string
}

// Load runs the startup sequence: exchange the management credentials, fetch the
// JWKS with that token and store it in c. Any error is meant to abort startup.
func Load(ctx context.Context, httpClient *http.Client, cfg BootstrapConfig, c *KeyCache) (err error) {
	ctx, span := otel.Tracer("github.com/boogy/m2m-auth/pkg/keycache").Start(ctx, "keycache.Load")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()

	token, err := client.Exchange(ctx, httpClient, cfg.Management)
	if err != nil {
		return fmt.Errorf("failed to obtain management API token: %w", err)
	}

	jwks, err := client.FetchJWKS(ctx, httpClient, cfg.JWKSURL, token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	if len(jwks.Keys) == 0 {
		slog.Warn("JWKS contains no keys, every token will be rejected", slog.String("url", cfg.JWKSURL))
	}

	if err := c.TryInitialize(jwks); err != nil {
		return fmt.Errorf("failed to initialize key cache: %w", err)
	}

	span.SetAttributes(attribute.Int("jwks.keys", len(jwks.Keys)))
	slog.Info("Key cache initialized",
		slog.Int("keys", len(jwks.Keys)),
		slog.String("jwksUrl", cfg.JWKSURL),
		slog.Duration("duration", time.Since(start)))

	return nil
}
