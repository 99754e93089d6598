package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/validator"
)

// AwsApplicationLoadBalancer handles AWS Application Load Balancer requests
type AwsApplicationLoadBalancer struct {
	processor *RequestProcessor
}

// NewAwsApplicationLoadBalancer creates a new Application Load Balancer handler
func NewAwsApplicationLoadBalancer(cfg *config.Config, v validator.TokenValidatorInterface) *AwsApplicationLoadBalancer {
	return &AwsApplicationLoadBalancer{
		processor: NewRequestProcessor(cfg, v),
	}
}

// Handler is the Lambda function interface for Application Load Balancer
func (h *AwsApplicationLoadBalancer) Handler(ctx context.Context, event events.ALBTargetGroupRequest) (events.ALBTargetGroupResponse, error) {
	// With multi value headers enabled on the target group, Headers is empty
	multiValue := len(event.MultiValueHeaders) > 0
	headers := event.Headers
	if multiValue {
		headers = make(map[string]string, len(event.MultiValueHeaders))
		for k, v := range event.MultiValueHeaders {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}
	}

	sourceIP, _ := headerValue(headers, "X-Forwarded-For")
	userAgent, _ := headerValue(headers, "User-Agent")
	traceID, _ := headerValue(headers, "X-Amzn-Trace-Id")

	ctx, cancel := newRequestContext(ctx, traceID, sourceIP, userAgent)
	defer cancel()
	requestID, _ := ctx.Value(RequestIDContextKey).(string)

	log := slog.With(
		slog.String("requestId", requestID),
		slog.String("path", event.Path),
		slog.String("method", event.HTTPMethod),
		slog.String("sourceIp", sourceIP),
		slog.String("userAgent", userAgent),
		slog.String("targetGroup", event.RequestContext.ELB.TargetGroupArn),
	)

	statusCode, body := handle(ctx, h.processor, headers, event.Body, event.IsBase64Encoded, log)

	resp := events.ALBTargetGroupResponse{
		StatusCode:        statusCode,
		StatusDescription: fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		Body:              body,
		IsBase64Encoded:   false,
	}

	// The response must use the same header style as the request
	if multiValue {
		resp.MultiValueHeaders = make(map[string][]string, len(ResponseHeaders))
		for k, v := range ResponseHeaders {
			resp.MultiValueHeaders[k] = []string{v}
		}
	} else {
		resp.Headers = ResponseHeaders
	}

	return resp, nil
}
