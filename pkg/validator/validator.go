package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/boogy/m2m-auth/pkg/keycache"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrKeysetUnavailable       = errors.New("signing keys are not loaded")
	ErrMissingKeyID            = errors.New("missing or invalid kid in token header")
	ErrKeyNotFound             = errors.New("no signing key matches the token kid")
	ErrInvalidKeyMaterial      = errors.New("signing key material is invalid")
	ErrValidationFailed        = errors.New("token signature or claims are invalid")
	ErrInvalidValidationConfig = errors.New("expected audience and issuer are required")
)

var tracer = otel.Tracer("github.com/boogy/m2m-auth/pkg/validator")

type TokenValidatorInterface interface {
	Verify(ctx context.Context, token types.BearerToken, expected types.ValidationConfig) (*types.Claims, error)
}

// TokenValidator verifies RS256 bearer tokens against a key cache. It keeps no
// state between calls and performs no I/O.
type TokenValidator struct {
	keys     keycache.Reader
	leeway   time.Duration
	timeFunc func() time.Time
	issuedAt bool
}

// Option configures a TokenValidator
type Option func(*TokenValidator) error

// WithLeeway allows for clock skew when checking exp and iat. Default is none.
func WithLeeway(d time.Duration) Option {
	return func(v *TokenValidator) error {
		if d < 0 {
			return errors.New("leeway cannot be negative")
		}
		v.leeway = d
		return nil
	}
}

// WithTimeFunc overrides the clock used for time based claims
func WithTimeFunc(f func() time.Time) Option {
	return func(v *TokenValidator) error {
		if f == nil {
			return errors.New("time func cannot be nil")
		}
		v.timeFunc = f
		return nil
	}
}

// WithIssuedAtCheck also rejects tokens whose iat lies in the future (beyond the
// leeway). Off by default: issuer clocks running ahead would reject valid tokens.
func WithIssuedAtCheck() Option {
	return func(v *TokenValidator) error {
		v.issuedAt = true
		return nil
	}
}

func New(keys keycache.Reader, opts ...Option) (*TokenValidator, error) {
	if keys == nil {
		return nil, errors.New("key cache is required")
	}

	v := &TokenValidator{keys: keys, timeFunc: time.Now}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	return v, nil
}

// tokenClaims is the decoding target for the token payload
type tokenClaims struct {
	jwt.RegisteredClaims
	GrantType       string `json:"gty"`
	AuthorizedParty string `json:"azp"`
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid any    `json:"kid"`
}

// Verify checks token against the cached keys and expected claims.
//
// The checks run in order and stop at the first failure: keys loaded
// (ErrKeysetUnavailable), kid present in the header (ErrMissingKeyID), kid known
// (ErrKeyNotFound), usable RSA key (ErrInvalidKeyMaterial). Every failure of the
// signature, algorithm, aud, iss or exp checks is reported as ErrValidationFailed
// without saying which one failed.
func (v *TokenValidator) Verify(ctx context.Context, token types.BearerToken, expected types.ValidationConfig) (_ *types.Claims, err error) {
	_, span := tracer.Start(ctx, "validator.Verify")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !v.keys.Initialized() {
		return nil, ErrKeysetUnavailable
	}

	if expected.ExpectedAudience == "" || expected.ExpectedIssuer == "" {
		return nil, ErrInvalidValidationConfig
	}

	raw := token.String()
	header, err := decodeHeader(raw)
	if err != nil {
		v.reject(raw, "malformed", err)
		return nil, ErrValidationFailed
	}

	kid, ok := header.Kid.(string)
	if !ok || kid == "" {
		return nil, ErrMissingKeyID
	}
	span.SetAttributes(attribute.String("jwt.kid", kid))

	jwk, ok := v.keys.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	key, err := rsaPublicKey(jwk)
	if err != nil {
		slog.Error("Cached signing key is unusable", slog.String("kid", kid), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	// Only RS256 is accepted regardless of what the key or header declare
	if header.Alg != jwt.SigningMethodRS256.Alg() {
		v.reject(raw, "algorithm", fmt.Errorf("token declares %q", header.Alg))
		return nil, ErrValidationFailed
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(expected.ExpectedAudience),
		jwt.WithIssuer(expected.ExpectedIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.timeFunc),
	}
	if v.issuedAt {
		parserOpts = append(parserOpts, jwt.WithIssuedAt())
	}
	parser := jwt.NewParser(parserOpts...)

	var claims tokenClaims
	parsed, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		v.reject(raw, reason(err), err)
		return nil, ErrValidationFailed
	}

	if !parsed.Valid {
		v.reject(raw, "other", errors.New("token is invalid"))
		return nil, ErrValidationFailed
	}

	return claims.toClaims(), nil
}

// reject logs why a token failed. The reason stays internal to the process.
func (v *TokenValidator) reject(raw, reason string, err error) {
	slog.Debug("Token rejected",
		slog.String("reason", reason),
		slog.String("token", types.BearerToken(raw).Redacted()),
		slog.String("error", err.Error()))
}

// decodeHeader reads the JOSE header without checking the signature
func decodeHeader(raw string) (*tokenHeader, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token has %d segments, expected 3", len(parts))
	}

	data, err := jwt.NewParser().DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("could not decode header: %w", err)
	}

	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("could not parse header: %w", err)
	}

	return &header, nil
}

// reason maps a parser error to a coarse category for logs
func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer"
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "expired"
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not_yet_valid"
	default:
		return "other"
	}
}

func (c *tokenClaims) toClaims() *types.Claims {
	out := &types.Claims{
		Issuer:          c.Issuer,
		Subject:         c.Subject,
		Audience:        append([]string(nil), c.Audience...),
		GrantType:       c.GrantType,
		AuthorizedParty: c.AuthorizedParty,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Unix()
	}
	return out
}
