package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	SaltSize  = 32
	NonceSize = 12

	// argon2id parameters for password derived backup keys
	argonTime    = 2
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 1
)

// ErrWrongPassword is returned by Decrypt when authentication fails.
var ErrWrongPassword = errors.New("decryption failed (wrong password?)")

// Encrypt seals plaintext with AES-256-GCM under a key derived from password
// with argon2id. The result is base64(salt || nonce || ciphertext) and is
// used for secret backups.
func Encrypt(plaintext []byte, password string) (string, error) {
	buf := make([]byte, SaltSize+NonceSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt, nonce := buf[:SaltSize], buf[SaltSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(buf, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It returns nil plaintext on any error.
func Decrypt(encoded, password string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < SaltSize+NonceSize+aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	salt := data[:SaltSize]
	nonce := data[SaltSize : SaltSize+NonceSize]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, data[SaltSize+NonceSize:], nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
