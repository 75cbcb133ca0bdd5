package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "sk_"

// GenerateKey returns a new random raw API key.
func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(b), nil
}

// HashKey returns the lookup prefix and bcrypt hash stored for a raw key.
func HashKey(raw string) (prefix, hash string, err error) {
	if len(raw) < KeyPrefixLen {
		return "", "", fmt.Errorf("api key must be at least %d characters", KeyPrefixLen)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}
	return raw[:KeyPrefixLen], string(h), nil
}
