// Package keycache holds the identity provider's signing keys for the life of the process.
//
// A KeyCache is written exactly once, normally by Load during startup, and is read
// concurrently afterwards without locking. There is no refresh path: a rotated key set
// requires a restart.
package keycache

import (
	"errors"
	"sync/atomic"

	"github.com/boogy/m2m-auth/pkg/types"
)

var (
	ErrAlreadyInitialized = errors.New("key cache is already initialized")
	ErrNilKeySet          = errors.New("key set is nil")
)

// Reader is the read side of the cache used during token verification.
type Reader interface {
	Initialized() bool
	Lookup(keyID string) (types.JSONWebKey, bool)
}

// KeyCache is a write-once holder of one JWKS. The zero value is an empty, usable cache.
type KeyCache struct {
	keys atomic.Pointer[types.JWKS]
}

// New returns an uninitialized cache.
func New() *KeyCache {
	return &KeyCache{}
}

// TryInitialize stores a copy of jwks. Only the first successful call has any effect;
// later calls return ErrAlreadyInitialized and leave the stored set untouched.
func (c *KeyCache) TryInitialize(jwks *types.JWKS) error {
	if jwks == nil {
		return ErrNilKeySet
	}
	if !c.keys.CompareAndSwap(nil, jwks.Clone()) {
		return ErrAlreadyInitialized
	}
	return nil
}

func (c *KeyCache) Initialized() bool {
	return c.keys.Load() != nil
}

// Get returns a snapshot of the stored key set.
func (c *KeyCache) Get() (*types.JWKS, bool) {
	jwks := c.keys.Load()
	if jwks == nil {
		return nil, false
	}
	return jwks.Clone(), true
}

// Lookup returns the first stored key whose kid equals keyID. It reports false
// when the cache is uninitialized or nothing matches.
func (c *KeyCache) Lookup(keyID string) (types.JSONWebKey, bool) {
	key, ok := c.keys.Load().Find(keyID)
	if !ok {
		return types.JSONWebKey{}, false
	}
	return key.Clone(), true
}

// Len returns the number of stored keys, 0 when uninitialized
func (c *KeyCache) Len() int {
	jwks := c.keys.Load()
	if jwks == nil {
		return 0
	}
	return len(jwks.Keys)
}
