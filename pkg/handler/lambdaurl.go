package handler

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/validator"
)

// AwsLambdaUrl handles AWS Lambda function URL requests
type AwsLambdaUrl struct {
	processor *RequestProcessor
}

// NewAwsLambdaUrl creates a new Lambda URL handler
func NewAwsLambdaUrl(cfg *config.Config, v validator.TokenValidatorInterface) *AwsLambdaUrl {
	return &AwsLambdaUrl{
		processor: NewRequestProcessor(cfg, v),
	}
}

// Handler is the Lambda function interface for Lambda URLs
func (h *AwsLambdaUrl) Handler(ctx context.Context, event events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	httpCtx := event.RequestContext.HTTP
	ctx, cancel := newRequestContext(ctx, event.RequestContext.RequestID, httpCtx.SourceIP, httpCtx.UserAgent)
	defer cancel()
	requestID, _ := ctx.Value(RequestIDContextKey).(string)

	log := slog.With(
		slog.String("requestId", requestID),
		slog.String("path", httpCtx.Path),
		slog.String("method", httpCtx.Method),
		slog.String("sourceIp", httpCtx.SourceIP),
		slog.String("userAgent", httpCtx.UserAgent),
		slog.String("domainName", event.RequestContext.DomainName),
	)

	statusCode, body := handle(ctx, h.processor, event.Headers, event.Body, event.IsBase64Encoded, log)

	return events.LambdaFunctionURLResponse{
		StatusCode: statusCode,
		Headers:    ResponseHeaders,
		Body:       body,
	}, nil
}
