package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	MinSecretLength = 16

	// SigningKeySize is the length of a derived token signing key
	SigningKeySize = 32

	signingKeySalt = "tapbeacon-token-v1"
)

// DeriveSigningKey derives the token signing key from a provisioned secret.
// signing_key = HKDF-SHA256(secret, salt="tapbeacon-token-v1", 32 bytes)
func DeriveSigningKey(secret string) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d characters", MinSecretLength)
	}

	key := make([]byte, SigningKeySize)
	if err := deriveHKDF(secret, signingKeySalt, key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return key, nil
}

// GenerateSecret generates a new random device secret
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// base64url without padding keeps the secret URI-safe
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// deriveHKDF derives key material using HKDF-SHA256
func deriveHKDF(secret, salt string, output []byte) error {
	reader := hkdf.New(sha256.New, []byte(secret), []byte(salt), nil)
	_, err := io.ReadFull(reader, output)
	return err
}
