package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/validator"
)

// RequestProcessor contains the logic shared by every request surface
type RequestProcessor struct {
	expected  types.ValidationConfig
	validator validator.TokenValidatorInterface
}

// NewRequestProcessor creates a new instance of request processor
func NewRequestProcessor(cfg *config.Config, v validator.TokenValidatorInterface) *RequestProcessor {
	return &RequestProcessor{
		expected:  cfg.ValidationConfig(),
		validator: v,
	}
}

// ProcessRequest verifies token and returns its claims. Errors wrap either
// ErrUnauthorized or ErrVerifierUnavailable.
func (r *RequestProcessor) ProcessRequest(ctx context.Context, token types.BearerToken, requestID string, log *slog.Logger) (*types.Claims, error) {
	startTime, ok := ctx.Value(StartTimeContextKey).(time.Time)
	if !ok {
		startTime = time.Now()
	}

	log.Debug("Validating token", slog.String("token", token.Redacted()))

	claims, err := r.validator.Verify(ctx, token, r.expected)
	if err != nil {
		switch {
		case errors.Is(err, validator.ErrKeysetUnavailable), errors.Is(err, validator.ErrInvalidValidationConfig):
			log.Error("Token verification unavailable", slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
		default:
			log.Warn("Token rejected",
				slog.String("error", err.Error()),
				slog.String("token", token.Redacted()))
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}

	log.Info("Token validation successful",
		slog.String("requestId", requestID),
		slog.Group("claims",
			slog.String("sub", claims.Subject),
			slog.String("azp", claims.AuthorizedParty),
			slog.String("gty", claims.GrantType),
			slog.Int64("exp", claims.ExpiresAt),
		),
		slog.Duration("validationTime", time.Since(startTime)),
	)

	return claims, nil
}
