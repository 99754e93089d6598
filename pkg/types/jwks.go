package types

import (
	"errors"
	"slices"
)

// JSONWebKey is a JSON web key as specified by RFC 7517.
type JSONWebKey struct {
	Algorithm string   `json:"alg,omitempty"`
	KeyType   string   `json:"kty,omitempty"`
	Use       string   `json:"use,omitempty"`
	X5c       []string `json:"x5c,omitempty"` // X.509 certificate chain
	N         string   `json:"n,omitempty"`   // RSA modulus
	E         string   `json:"e,omitempty"`   // RSA public exponent
	KeyID     string   `json:"kid,omitempty"`
	X5t       string   `json:"x5t,omitempty"` // X.509 certificate SHA-1 thumbprint
}

// Clone returns a copy of the key that shares no memory with the receiver
func (k JSONWebKey) Clone() JSONWebKey {
	k.X5c = slices.Clone(k.X5c)
	return k
}

// JWKS represents a set of JSON Web Keys retrieved from a JWKS endpoint
type JWKS struct {
	Keys []JSONWebKey `json:"keys"`
}

// Validate reports whether the decoded document has the shape of a key set.
func (s *JWKS) Validate() error {
	if s.Keys == nil {
		return errors.New("missing keys")
	}
	return nil
}

// Find returns the first key whose kid equals keyID.
func (s *JWKS) Find(keyID string) (JSONWebKey, bool) {
	if s == nil {
		return JSONWebKey{}, false
	}
	for _, key := range s.Keys {
		if key.KeyID == keyID {
			return key, true
		}
	}
	return JSONWebKey{}, false
}

// Clone returns a deep copy of the key set.
func (s *JWKS) Clone() *JWKS {
	if s == nil {
		return nil
	}
	keys := make([]JSONWebKey, len(s.Keys))
	for i, key := range s.Keys {
		keys[i] = key.Clone()
	}
	return &JWKS{Keys: keys}
}
