package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/oarkflow/shamir"
)

// SplitSecret splits a device secret into hex encoded Shamir shares.
// Any threshold of the returned parts recombine to the secret.
func SplitSecret(secret string, parts, threshold int) ([]string, error) {
	if secret == "" {
		return nil, fmt.Errorf("secret is empty")
	}
	if threshold < 2 || parts < threshold {
		return nil, fmt.Errorf("invalid share scheme %d-of-%d", threshold, parts)
	}

	raw, err := shamir.Split([]byte(secret), parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("split secret: %w", err)
	}

	shares := make([]string, len(raw))
	for i, s := range raw {
		shares[i] = hex.EncodeToString(s)
	}
	return shares, nil
}

// CombineShares reassembles a secret from hex encoded shares.
func CombineShares(shares []string) (string, error) {
	if len(shares) < 2 {
		return "", fmt.Errorf("at least 2 shares required, got %d", len(shares))
	}

	raw := make([][]byte, len(shares))
	for i, s := range shares {
		b, err := hex.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("share %d: %w", i+1, err)
		}
		raw[i] = b
	}

	secret, err := shamir.Combine(raw)
	if err != nil {
		return "", fmt.Errorf("combine shares: %w", err)
	}
	return string(secret), nil
}
