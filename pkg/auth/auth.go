package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingHeader = errors.New("missing authorization header")
	ErrInvalidToken  = errors.New("invalid token")
)

const bearerPrefix = "Bearer "

// NewHandle mints an opaque resumption handle: 32 random bytes, URL-safe
// base64. Handles are bearer secrets and are never reused.
func NewHandle() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate handle: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CheckBearer compares an Authorization header value against
// "Bearer <secret>" exactly. No trimming, no case folding.
func CheckBearer(header, secret string) error {
	if header == "" {
		return ErrMissingHeader
	}
	if secret == "" || !SecureCompare(header, bearerPrefix+secret) {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingHeader
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrInvalidToken
	}
	return strings.TrimPrefix(header, bearerPrefix), nil
}

// KeyVerifier checks coordinator API keys. The key is configured either in
// plain text or as a bcrypt hash; with a hash, the last accepted key is
// remembered so bcrypt runs once rather than on every request.
type KeyVerifier struct {
	plain string
	hash  []byte

	mu       sync.RWMutex
	accepted string
}

// NewKeyVerifier creates a verifier. At most one of plain and hash should be
// set; hash wins when both are.
func NewKeyVerifier(plain, hash string) (*KeyVerifier, error) {
	v := &KeyVerifier{plain: plain}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid api key hash: %w", err)
		}
		v.hash = []byte(hash)
		v.plain = ""
	}
	return v, nil
}

// Enabled reports whether any key is configured
func (v *KeyVerifier) Enabled() bool {
	return v != nil && (v.plain != "" || len(v.hash) > 0)
}

// Verify checks token against the configured key
func (v *KeyVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	if v.plain != "" {
		return SecureCompare(token, v.plain)
	}
	if len(v.hash) == 0 {
		return false
	}

	v.mu.RLock()
	cached := v.accepted
	v.mu.RUnlock()
	if cached != "" && SecureCompare(token, cached) {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}
	v.mu.Lock()
	v.accepted = token
	v.mu.Unlock()
	return true
}

// HashKey returns the bcrypt hash to configure for key
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}
