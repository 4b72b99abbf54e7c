package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySalt = "sentinelops-audit-salt-v1"
	keyInfo = "audit-hmac-v1"
)

// DeriveKey derives the 32-byte HMAC signing key from a configured secret.
// An empty secret yields a random key, which makes signatures verifiable
// only for the lifetime of the process.
func DeriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	if secret == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate audit key: %w", err)
		}
		return key, nil
	}

	r := hkdf.New(sha256.New, []byte(secret), []byte(keySalt), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive audit key: %w", err)
	}
	return key, nil
}
