package handler

import (
	"errors"
	"time"
)

// Constants for handler configuration
const (
	// DefaultTimeout is the maximum time to process a request
	DefaultTimeout = 10 * time.Second

	// MaxTokenLength is the maximum allowed length for a JWT token
	MaxTokenLength = 16384 // 16KB

	// MaxBodyLength caps the request body accepted when the token is sent as JSON
	MaxBodyLength = 64 * 1024
)

// Context key types to avoid string collision in context values
type contextKey string

const (
	RequestIDContextKey contextKey = "requestId"
	StartTimeContextKey contextKey = "startTime"
	SourceIPContextKey  contextKey = "sourceIp"
	UserAgentContextKey contextKey = "userAgent"
)

var (
	ErrEmptyToken        = errors.New("token is empty")
	ErrTokenTooLarge     = errors.New("token exceeds maximum allowed size")
	ErrInvalidJSON       = errors.New("invalid JSON in request body")
	ErrInvalidAuthScheme = errors.New("authorization header must use the Bearer scheme")

	// ErrUnauthorized wraps every reason a presented token was not accepted
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVerifierUnavailable means the service cannot verify any token
	ErrVerifierUnavailable = errors.New("token verification is unavailable")
)

// ResponseHeaders common headers to include in all API responses
var ResponseHeaders = map[string]string{
	"Content-Type":  "application/json",
	"Cache-Control": "no-store",
}

// RequestData is the JSON body accepted when no Authorization header is sent
type RequestData struct {
	Token string `json:"token"`
}

// Response represents a standardized API response
type Response struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	RequestID    string `json:"requestId"`
	ProcessingMS int64  `json:"processingMs,omitempty"`

	// For successful responses
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`

	// For error responses
	ErrorCode string `json:"errorCode,omitempty"`
}
