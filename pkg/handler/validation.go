package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/utils"
)

// ValidateToken checks the size limits of a raw token before any parsing
func ValidateToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrEmptyToken
	}

	// Prevent DoS through oversized tokens
	if len(token) > MaxTokenLength {
		return ErrTokenTooLarge
	}

	return nil
}

// ParseRequestBody parses a JSON body of the form {"token": "..."}
func ParseRequestBody(body string) (*RequestData, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("request body is empty: %w", ErrEmptyToken)
	}

	if len(body) > MaxBodyLength {
		return nil, fmt.Errorf("request body too large: %w", ErrInvalidJSON)
	}

	var requestData RequestData
	if err := json.Unmarshal([]byte(body), &requestData); err != nil {
		slog.Debug("Failed to unmarshal request body",
			slog.String("error", err.Error()),
			slog.String("bodyPreview", utils.TruncateString(body, 32)))
		return nil, fmt.Errorf("invalid JSON format: %w", ErrInvalidJSON)
	}

	if err := ValidateToken(requestData.Token); err != nil {
		return nil, err
	}

	return &requestData, nil
}

// ExtractToken reads the bearer token from the Authorization header, or from
// the JSON body when no such header is present.
func ExtractToken(headers map[string]string, body string, isBase64Encoded bool) (types.BearerToken, error) {
	if auth, ok := headerValue(headers, "Authorization"); ok {
		scheme, token, found := strings.Cut(strings.TrimSpace(auth), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", ErrInvalidAuthScheme
		}
		if err := ValidateToken(token); err != nil {
			return "", err
		}
		return types.NewBearerToken(token), nil
	}

	if isBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return "", fmt.Errorf("invalid base64 body: %w", ErrInvalidJSON)
		}
		body = string(decoded)
	}

	requestData, err := ParseRequestBody(body)
	if err != nil {
		return "", err
	}

	return types.NewBearerToken(requestData.Token), nil
}

// headerValue looks a header up case-insensitively; event sources differ in casing
func headerValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
