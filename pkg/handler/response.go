package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/google/uuid"
)

// newRequestContext adds request tracking values and the handler timeout to ctx
func newRequestContext(ctx context.Context, requestID, sourceIP, userAgent string) (context.Context, context.CancelFunc) {
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx = context.WithValue(ctx, RequestIDContextKey, requestID)
	ctx = context.WithValue(ctx, StartTimeContextKey, time.Now())
	ctx = context.WithValue(ctx, SourceIPContextKey, sourceIP)
	ctx = context.WithValue(ctx, UserAgentContextKey, userAgent)

	return context.WithTimeout(ctx, DefaultTimeout)
}

func requestMeta(ctx context.Context) (string, int64) {
	requestID, _ := ctx.Value(RequestIDContextKey).(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var processingMS int64
	if startTime, ok := ctx.Value(StartTimeContextKey).(time.Time); ok {
		processingMS = time.Since(startTime).Milliseconds()
	}

	return requestID, processingMS
}

// classifyError maps an error to a status code and a public error code.
// Nothing about why a token was rejected is exposed.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrEmptyToken), errors.Is(err, ErrTokenTooLarge),
		errors.Is(err, ErrInvalidJSON), errors.Is(err, ErrInvalidAuthScheme):
		return http.StatusBadRequest, "invalid_request", "Invalid request parameters"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Unauthorized"
	case errors.Is(err, ErrVerifierUnavailable):
		return http.StatusServiceUnavailable, "unavailable", "Token verification is temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "An internal error occurred"
	}
}

// errorBody builds the status code and JSON body for err
func errorBody(ctx context.Context, err error) (int, string) {
	requestID, processingMS := requestMeta(ctx)
	statusCode, errCode, errMsg := classifyError(err)

	slog.Error("Request error",
		slog.String("requestId", requestID),
		slog.String("errorCode", errCode),
		slog.String("error", err.Error()),
		slog.Int("status", statusCode),
		slog.Int64("processingMs", processingMS))

	body, jsonErr := json.Marshal(Response{
		Success:      false,
		StatusCode:   statusCode,
		ErrorCode:    errCode,
		Message:      errMsg,
		RequestID:    requestID,
		ProcessingMS: processingMS,
	})
	if jsonErr != nil {
		return http.StatusInternalServerError, `{"success":false,"errorCode":"internal_error"}`
	}

	return statusCode, string(body)
}

// successBody builds the 200 response carrying the verified claims
func successBody(ctx context.Context, claims *types.Claims) (int, string) {
	requestID, processingMS := requestMeta(ctx)

	body, err := json.Marshal(Response{
		Success:      true,
		StatusCode:   http.StatusOK,
		Message:      "Token is valid",
		RequestID:    requestID,
		ProcessingMS: processingMS,
		Data:         claims,
	})
	if err != nil {
		return errorBody(ctx, err)
	}

	slog.Debug("Response successful",
		slog.String("requestId", requestID),
		slog.Int64("processingMs", processingMS))

	return http.StatusOK, string(body)
}

// handle runs extraction and verification and renders the outcome
func handle(ctx context.Context, p *RequestProcessor, headers map[string]string, body string, isBase64Encoded bool, log *slog.Logger) (int, string) {
	requestID, _ := requestMeta(ctx)

	token, err := ExtractToken(headers, body, isBase64Encoded)
	if err != nil {
		return errorBody(ctx, err)
	}

	claims, err := p.ProcessRequest(ctx, token, requestID, log)
	if err != nil {
		return errorBody(ctx, err)
	}

	return successBody(ctx, claims)
}
