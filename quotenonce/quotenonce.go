// Package quotenonce issues and authenticates the self-describing nonces
// used by the quote challenge. A token is the nonce followed by an
// HMAC-SHA256 over it, keyed from the server's process-lifetime secret,
// so the server keeps no per-client state between issuing a nonce and
// verifying the quote computed over it: any replica holding the same
// secret can verify.
//
// Tokens carry no expiry or single-use tracking. A captured valid token
// stays verifiable for the lifetime of the secret; this layer only
// guarantees the token was minted by a holder of the secret.
package quotenonce

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SecretLen is the size of the server-wide secret the binder is
	// keyed from.
	SecretLen = 64

	nonceLen = 32
	macLen   = sha256.Size

	// TokenLen is the size of an issued token.
	TokenLen = nonceLen + macLen
)

// ErrTampered reports a token whose MAC does not verify: forged, damaged
// in transit, or minted under a different secret.
var ErrTampered = errors.New("quotenonce: token failed authentication")

// NewSecret generates a fresh server secret. Called once at startup; the
// secret is never transmitted.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate server secret: %w", err)
	}
	return secret, nil
}

// DeriveKey expands the server secret into an HMAC key bound to purpose,
// so independent protocol uses of the secret cannot be cross-played.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("quotenonce: secret must be %d bytes, got %d", SecretLen, len(secret))
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Binder mints and authenticates tokens. It has no mutable state and is
// safe for concurrent use.
type Binder struct {
	key []byte
}

// NewBinder builds a binder keyed from the server secret.
func NewBinder(secret []byte) (*Binder, error) {
	key, err := DeriveKey(secret, "tpm-enroll/quote-nonce")
	if err != nil {
		return nil, err
	}
	return &Binder{key: key}, nil
}

// Issue returns a fresh token: nonce || HMAC(key, nonce).
func (b *Binder) Issue() ([]byte, error) {
	token := make([]byte, TokenLen)
	if _, err := rand.Read(token[:nonceLen]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write(token[:nonceLen])
	mac.Sum(token[nonceLen:nonceLen])
	return token, nil
}

// Verify recomputes the MAC over the embedded nonce and compares in
// constant time, returning the nonce bytes on success.
func (b *Binder) Verify(token []byte) ([]byte, error) {
	if len(token) != TokenLen {
		return nil, fmt.Errorf("%w: token is %d bytes, want %d", ErrTampered, len(token), TokenLen)
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write(token[:nonceLen])
	if !hmac.Equal(mac.Sum(nil), token[nonceLen:]) {
		return nil, ErrTampered
	}
	return token[:nonceLen], nil
}
