package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DigestSize is the size of an HMAC-SHA256 digest in bytes
const DigestSize = sha256.Size

// DigestHexLen is the length of a hex encoded digest
const DigestHexLen = 2 * DigestSize

// ErrDigestUnavailable is returned when the HMAC-SHA256 primitive fails its
// self test. Callers must treat it as fatal at startup.
var ErrDigestUnavailable = errors.New("hmac-sha256 digest unavailable")

// Digest computes a keyed digest of message and returns it as lowercase hex.
// Platform-specific primitives can be plugged in behind this signature.
type Digest func(key, message []byte) string

// HMACSHA256Hex returns HMAC-SHA256(key, message) as 64 lowercase hex characters.
func HMACSHA256Hex(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// RFC 4231 test case 2
var (
	katKey     = []byte("Jefe")
	katMessage = []byte("what do ya want for nothing?")
	katDigest  = "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
)

// CheckDigest runs a known-answer test against d.
func CheckDigest(d Digest) error {
	if d == nil {
		return fmt.Errorf("%w: no digest function", ErrDigestUnavailable)
	}
	got := d(katKey, katMessage)
	if len(got) != DigestHexLen {
		return fmt.Errorf("%w: digest length %d, want %d", ErrDigestUnavailable, len(got), DigestHexLen)
	}
	if !Equal(got, katDigest) {
		return fmt.Errorf("%w: known-answer test failed", ErrDigestUnavailable)
	}
	return nil
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// KeyID returns a short, non-secret fingerprint of a key for logs and status output.
func KeyID(key []byte) string {
	h := sha256.Sum256(key)
	return hex.EncodeToString(h[:4])
}
