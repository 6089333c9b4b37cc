package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"admin-security/internal/config"
	"admin-security/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrNoKeys      = errors.New("no token hash keys configured")
	ErrKeyTooShort = errors.New("token hash key must be at least 32 bytes")
)

const minKeyLength = 32

// Pepper is one versioned MAC key. Version 1 is the oldest configured key.
type Pepper struct {
	Value     []byte
	CreatedAt time.Time
	Version   int
}

// TokenHasher produces keyed BLAKE2b digests of session tokens. Only the
// digest is ever persisted; rotation keeps previous keys for lookup.
type TokenHasher struct {
	currentPepper *Pepper
	oldPeppers    []*Pepper
	mu            sync.RWMutex
}

// NewTokenHasher builds a hasher from the configured keys, newest last.
// Outside production a random key is generated when none is configured.
func NewTokenHasher(cfg *config.Config) (*TokenHasher, error) {
	keys := cfg.Hashing.TokenKeys
	if len(keys) == 0 {
		if cfg.IsProduction() {
			return nil, ErrNoKeys
		}
		key := make([]byte, minKeyLength)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate token hash key: %w", err)
		}
		util.Warn("No token hash keys configured, using ephemeral key; sessions will not survive restart")
		keys = []string{base64.RawURLEncoding.EncodeToString(key)}
	}

	raw := make([][]byte, 0, len(keys))
	for _, k := range keys {
		decoded, err := decodeKey(k)
		if err != nil {
			return nil, err
		}
		raw = append(raw, decoded)
	}
	return NewTokenHasherFromKeys(raw...)
}

// NewTokenHasherFromKeys builds a hasher directly from key material, newest last.
func NewTokenHasherFromKeys(keys ...[]byte) (*TokenHasher, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	h := &TokenHasher{}
	for i, k := range keys {
		if len(k) < minKeyLength {
			return nil, ErrKeyTooShort
		}
		if len(k) > blake2b.Size {
			k = k[:blake2b.Size]
		}
		p := &Pepper{Value: append([]byte(nil), k...), CreatedAt: time.Now(), Version: i + 1}
		if i == len(keys)-1 {
			h.currentPepper = p
		} else {
			h.oldPeppers = append(h.oldPeppers, p)
		}
	}
	return h, nil
}

func decodeKey(k string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(k); err == nil && len(b) >= minKeyLength {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(k); err == nil && len(b) >= minKeyLength {
		return b, nil
	}
	if b, err := hex.DecodeString(k); err == nil && len(b) >= minKeyLength {
		return b, nil
	}
	if len(k) >= minKeyLength {
		return []byte(k), nil
	}
	return nil, ErrKeyTooShort
}

// Rotate installs a new current key; the previous one stays valid for lookups.
func (h *TokenHasher) Rotate(key []byte) error {
	if len(key) < minKeyLength {
		return ErrKeyTooShort
	}
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	version := 1
	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
		version = h.currentPepper.Version + 1
	}
	h.currentPepper = &Pepper{
		Value:     append([]byte(nil), key...),
		CreatedAt: time.Now(),
		Version:   version,
	}

	// keep only the last 2 previous versions
	if len(h.oldPeppers) > 2 {
		h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
	}

	util.Info("Token hash key rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
	return nil
}

// Digest returns the hex digest of token under the current key.
func (h *TokenHasher) Digest(token string) string {
	h.mu.RLock()
	p := h.currentPepper
	h.mu.RUnlock()
	return digest(p.Value, token)
}

// Candidates returns the digest under every known key, current first.
func (h *TokenHasher) Candidates(token string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.oldPeppers)+1)
	out = append(out, digest(h.currentPepper.Value, token))
	for i := len(h.oldPeppers) - 1; i >= 0; i-- {
		out = append(out, digest(h.oldPeppers[i].Value, token))
	}
	return out
}

// Verify compares a token against a stored digest in constant time.
func (h *TokenHasher) Verify(token, stored string) bool {
	want := []byte(stored)
	for _, candidate := range h.Candidates(token) {
		if subtle.ConstantTimeCompare([]byte(candidate), want) == 1 {
			return true
		}
	}
	return false
}

func (h *TokenHasher) CurrentVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}

func digest(key []byte, token string) string {
	mac, err := blake2b.New256(key)
	if err != nil {
		// key length is validated on construction
		panic(err)
	}
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
