package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestHMACSHA256Hex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		message string
		want    string
	}{
		{
			name:    "rfc4231 case 2",
			key:     "Jefe",
			message: "what do ya want for nothing?",
			want:    "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		},
		{
			name:    "empty key and message",
			key:     "",
			message: "",
			want:    "b613679a0814d9ec772f95d778c35fc5ff1697c493715653c6c712144292c5ad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HMACSHA256Hex([]byte(tt.key), []byte(tt.message))
			if got != tt.want {
				t.Errorf("HMACSHA256Hex() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHMACSHA256HexFormat(t *testing.T) {
	t.Parallel()

	got := HMACSHA256Hex([]byte("test-key"), []byte("1735689600:web_access:0"))
	if len(got) != DigestHexLen {
		t.Fatalf("Expected %d hex chars, got %d", DigestHexLen, len(got))
	}
	if got != strings.ToLower(got) {
		t.Error("Digest should be lowercase hex")
	}

	// Deterministic
	if got != HMACSHA256Hex([]byte("test-key"), []byte("1735689600:web_access:0")) {
		t.Error("Digest should be deterministic")
	}
}

func TestCheckDigest(t *testing.T) {
	t.Parallel()

	if err := CheckDigest(HMACSHA256Hex); err != nil {
		t.Fatalf("CheckDigest(HMACSHA256Hex) = %v, want nil", err)
	}

	broken := []Digest{
		nil,
		func(key, message []byte) string { return "" },
		func(key, message []byte) string { return strings.Repeat("0", DigestHexLen) },
	}
	for i, d := range broken {
		err := CheckDigest(d)
		if !errors.Is(err, ErrDigestUnavailable) {
			t.Errorf("broken digest %d: got %v, want ErrDigestUnavailable", i, err)
		}
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	a := HMACSHA256Hex([]byte("k"), []byte("m"))
	if !Equal(a, a) {
		t.Error("Equal digests should compare equal")
	}
	if Equal(a, a[:len(a)-1]) {
		t.Error("Different lengths should not compare equal")
	}
	flipped := a[:len(a)-1] + "x"
	if Equal(a, flipped) {
		t.Error("Single character change should not compare equal")
	}
}

func TestKeyID(t *testing.T) {
	t.Parallel()

	id := KeyID([]byte("test-key"))
	if len(id) != 8 {
		t.Errorf("Expected 8 char key id, got %q", id)
	}
	if id == KeyID([]byte("other-key")) {
		t.Error("Different keys should have different ids")
	}
	if strings.Contains(id, "test-key") {
		t.Error("Key id must not contain the key")
	}
}
