package jwtx

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrNoKey = errors.New("jwtx: key not found")

// JWK is the subset of RFC 7517 we support: Ed25519 public keys only,
// since that is what the auth service signs with.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

// JWKS is a JSON Web Key Set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeySet holds all public verification keys in memory. Thread-safe so the
// verifier can read while a refresh replaces keys.
type KeySet struct {
	mu  sync.RWMutex
	pub map[string]ed25519.PublicKey
}

// NewKeySet returns an empty KeySet.
func NewKeySet() *KeySet {
	return &KeySet{pub: make(map[string]ed25519.PublicKey)}
}

// AddJWK adds a JWK to the KeySet and parses it into a usable crypto key.
func (k *KeySet) AddJWK(j JWK) error {
	key, err := parseJWK(j)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pub[j.Kid] = key
	return nil
}

// Get returns the public key for the given kid.
func (k *KeySet) Get(kid string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if pk, ok := k.pub[kid]; ok {
		return pk, nil
	}
	return nil, ErrNoKey
}

// IsReady returns true if the KeySet has at least one key loaded.
func (k *KeySet) IsReady() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.pub) > 0
}

// LoadFile reads a JWKS document from disk and loads every key in it.
func (k *KeySet) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("jwtx: read jwks file: %w", err)
	}

	var jwks JWKS
	if err := json.Unmarshal(raw, &jwks); err != nil {
		return fmt.Errorf("jwtx: parse jwks file: %w", err)
	}
	if len(jwks.Keys) == 0 {
		return errors.New("jwtx: jwks file contains no keys")
	}

	for _, j := range jwks.Keys {
		if err := k.AddJWK(j); err != nil {
			return err
		}
	}
	return nil
}

func parseJWK(j JWK) (ed25519.PublicKey, error) {
	if j.Kty != "OKP" || j.Crv != "Ed25519" {
		return nil, fmt.Errorf("jwtx: unsupported key type %q/%q", j.Kty, j.Crv)
	}
	if j.Kid == "" {
		return nil, errors.New("jwtx: jwk missing kid")
	}

	raw, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return nil, fmt.Errorf("jwtx: decode jwk x: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("jwtx: bad Ed25519 key length %d", len(raw))
	}

	return ed25519.PublicKey(raw), nil
}
