package handler

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/validator"
)

// AwsApiGateway handles AWS API Gateway proxy integration requests
type AwsApiGateway struct {
	processor *RequestProcessor
}

// NewAwsApiGateway creates a new API Gateway handler
func NewAwsApiGateway(cfg *config.Config, v validator.TokenValidatorInterface) *AwsApiGateway {
	return &AwsApiGateway{
		processor: NewRequestProcessor(cfg, v),
	}
}

// Handler is the Lambda function interface for API Gateway
func (h *AwsApiGateway) Handler(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	ctx, cancel := newRequestContext(ctx,
		event.RequestContext.RequestID,
		event.RequestContext.Identity.SourceIP,
		event.RequestContext.Identity.UserAgent)
	defer cancel()
	requestID, _ := ctx.Value(RequestIDContextKey).(string)

	log := slog.With(
		slog.String("requestId", requestID),
		slog.String("path", event.Path),
		slog.String("method", event.HTTPMethod),
		slog.String("sourceIp", event.RequestContext.Identity.SourceIP),
		slog.String("userAgent", event.RequestContext.Identity.UserAgent),
		slog.String("requestTime", event.RequestContext.RequestTime),
		slog.String("domainName", event.RequestContext.DomainName),
	)

	statusCode, body := handle(ctx, h.processor, event.Headers, event.Body, event.IsBase64Encoded, log)

	return events.APIGatewayProxyResponse{
		StatusCode:      statusCode,
		Headers:         ResponseHeaders,
		Body:            body,
		IsBase64Encoded: false,
	}, nil
}
