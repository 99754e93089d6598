package validator

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// minRSAKeyBits is the smallest modulus accepted for RS256 (RFC 7518 section 3.3)
const minRSAKeyBits = 2048

// rsaPublicKey builds an RSA public key from the base64url n and e of a JWK.
// Certificates in x5c are ignored.
func rsaPublicKey(k types.JSONWebKey) (*rsa.PublicKey, error) {
	if k.KeyType != "" && k.KeyType != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.KeyType)
	}
	if k.Use != "" && k.Use != "sig" {
		return nil, fmt.Errorf("key use %q is not sig", k.Use)
	}
	if k.Algorithm != "" && k.Algorithm != "RS256" {
		return nil, fmt.Errorf("key is declared for %q", k.Algorithm)
	}
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing modulus or exponent")
	}

	data, err := json.Marshal(map[string]string{"kty": "RSA", "n": k.N, "e": k.E})
	if err != nil {
		return nil, err
	}

	parsed, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("could not parse key: %w", err)
	}

	var pub rsa.PublicKey
	if err := parsed.Raw(&pub); err != nil {
		return nil, fmt.Errorf("could not build RSA public key: %w", err)
	}

	if pub.N == nil || pub.N.BitLen() < minRSAKeyBits {
		return nil, fmt.Errorf("modulus shorter than %d bits", minRSAKeyBits)
	}
	if pub.E < 3 || pub.E%2 == 0 {
		return nil, fmt.Errorf("invalid public exponent %d", pub.E)
	}

	return &pub, nil
}
