package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// refreshTokenSize is the entropy in bytes behind each refresh credential.
const refreshTokenSize = 32

// NewRefreshToken returns an opaque, URL-safe refresh credential.
func NewRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("refresh token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is what gets persisted; the raw refresh token never hits the DB.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
