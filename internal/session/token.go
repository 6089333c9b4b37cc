package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// TokenBytes is the amount of entropy in a session token (256 bits).
const TokenBytes = 32

// TokenHasher turns opaque tokens into the keyed digests that are stored.
type TokenHasher interface {
	Digest(token string) string
	// Candidates returns digests under every accepted key, current first.
	Candidates(token string) []string
}

// GenerateToken reads TokenBytes from src and encodes them base64url without padding.
func GenerateToken(src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
