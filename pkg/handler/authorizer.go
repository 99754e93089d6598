package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/validator"
	"github.com/google/uuid"
)

// errAuthorizerUnauthorized must read exactly "Unauthorized" for API Gateway to answer 401
var errAuthorizerUnauthorized = errors.New("Unauthorized")

// AwsTokenAuthorizer is an API Gateway TOKEN authorizer backed by the verifier
type AwsTokenAuthorizer struct {
	processor *RequestProcessor
}

// NewAwsTokenAuthorizer creates a new token authorizer
func NewAwsTokenAuthorizer(cfg *config.Config, v validator.TokenValidatorInterface) *AwsTokenAuthorizer {
	return &AwsTokenAuthorizer{
		processor: NewRequestProcessor(cfg, v),
	}
}

// Handler allows the invoked method for a valid token. Any failure yields the
// Unauthorized error so API Gateway answers 401 without details; only an
// unusable verifier is reported as a plain error (500).
func (h *AwsTokenAuthorizer) Handler(ctx context.Context, event events.APIGatewayCustomAuthorizerRequest) (events.APIGatewayCustomAuthorizerResponse, error) {
	ctx, cancel := newRequestContext(ctx, uuid.New().String(), "", "")
	defer cancel()
	requestID, _ := ctx.Value(RequestIDContextKey).(string)

	log := slog.With(
		slog.String("requestId", requestID),
		slog.String("methodArn", event.MethodArn),
	)

	scheme, raw, found := strings.Cut(strings.TrimSpace(event.AuthorizationToken), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		log.Debug("Authorization token is not a bearer token")
		return events.APIGatewayCustomAuthorizerResponse{}, errAuthorizerUnauthorized
	}
	if err := ValidateToken(raw); err != nil {
		log.Debug("Authorization token rejected", slog.String("error", err.Error()))
		return events.APIGatewayCustomAuthorizerResponse{}, errAuthorizerUnauthorized
	}

	claims, err := h.processor.ProcessRequest(ctx, types.NewBearerToken(raw), requestID, log)
	if err != nil {
		if errors.Is(err, ErrVerifierUnavailable) {
			return events.APIGatewayCustomAuthorizerResponse{}, err
		}
		return events.APIGatewayCustomAuthorizerResponse{}, errAuthorizerUnauthorized
	}

	return events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: claims.Subject,
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version: "2012-10-17",
			Statement: []events.IAMPolicyStatement{
				{
					Action:   []string{"execute-api:Invoke"},
					Effect:   "Allow",
					Resource: []string{event.MethodArn},
				},
			},
		},
		// Authorizer context values must be strings, numbers or booleans
		Context: map[string]any{
			"sub": claims.Subject,
			"iss": claims.Issuer,
			"azp": claims.AuthorizedParty,
			"gty": claims.GrantType,
			"exp": claims.ExpiresAt,
		},
	}, nil
}
