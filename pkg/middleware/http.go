package middleware

import (
	"errors"
	"net/http"

	"github.com/boogy/m2m-auth/pkg/handler"
)

// errorResponse is the JSON body written when a request is rejected
type errorResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// httpError maps an authentication failure to a status code and body.
// Rejection reasons never reach the client.
func httpError(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, handler.ErrUnauthorized):
		return http.StatusUnauthorized, errorResponse{ErrorCode: "unauthorized", Message: "Unauthorized"}
	case errors.Is(err, handler.ErrInvalidAuthScheme), errors.Is(err, handler.ErrEmptyToken),
		errors.Is(err, handler.ErrTokenTooLarge):
		return http.StatusBadRequest, errorResponse{ErrorCode: "invalid_request", Message: "Invalid request parameters"}
	case errors.Is(err, handler.ErrVerifierUnavailable):
		return http.StatusServiceUnavailable, errorResponse{ErrorCode: "unavailable", Message: "Token verification is temporarily unavailable"}
	default:
		return http.StatusInternalServerError, errorResponse{ErrorCode: "internal_error", Message: "An internal error occurred"}
	}
}

// unauthorizedHeader is sent with every 401 as required for bearer auth
const unauthorizedHeader = `Bearer error="invalid_token"`
