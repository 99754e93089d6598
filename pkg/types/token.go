package types

import (
	"errors"
	"strings"
	"time"

	"github.com/boogy/m2m-auth/pkg/utils"
)

// AccessToken is the client-credentials response used to bootstrap the key cache.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`

	// Expiry is not part of the token response; it is stamped when the token is
	// received so cached copies keep their absolute lifetime.
	Expiry time.Time `json:"expiry,omitempty"`
}

// Stamp sets Expiry from ExpiresIn relative to now.
func (t *AccessToken) Stamp(now time.Time) {
	t.Expiry = now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Validate reports whether the decoded response carries a usable token.
func (t *AccessToken) Validate() error {
	return validateTokenResponse(t.AccessToken, t.TokenType)
}

// AppAccessToken is the client-credentials response for application APIs, which carries no scope.
type AppAccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Validate reports whether the decoded response carries a usable token.
func (t *AppAccessToken) Validate() error {
	return validateTokenResponse(t.AccessToken, t.TokenType)
}

func validateTokenResponse(token, tokenType string) error {
	if token == "" {
		return errors.New("missing access_token")
	}
	if tokenType == "" {
		return errors.New("missing token_type")
	}
	return nil
}

// BearerToken is a caller presented credential. It holds no parsed state.
type BearerToken string

// NewBearerToken wraps a raw compact JWS, trimming an optional "Bearer " prefix.
func NewBearerToken(raw string) BearerToken {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	return BearerToken(raw)
}

func (b BearerToken) String() string {
	return string(b)
}

// Redacted keeps the first and last ten characters for safe logging
func (b BearerToken) Redacted() string {
	return utils.RedactToken(string(b), 10, 10)
}
