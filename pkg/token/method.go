package token

import (
	"fmt"
	"strings"
)

// AccessMethod identifies the presence channel a token was issued for.
// It is embedded verbatim in the canonical string, so it must never contain
// the delimiter or URL-reserved characters.
type AccessMethod string

const (
	MethodWeb AccessMethod = "web_access"
	MethodNFC AccessMethod = "nfc_access"
)

// ParseAccessMethod maps user input to an AccessMethod. The short names
// "web"/"nfc" and the legacy firmware codes "0"/"1" resolve to the well-known
// methods; any other value must stick to [A-Za-z0-9_.-].
func ParseAccessMethod(s string) (AccessMethod, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "web", "0", string(MethodWeb):
		return MethodWeb, nil
	case "nfc", "1", string(MethodNFC):
		return MethodNFC, nil
	}

	if s == "" {
		return "", fmt.Errorf("access method is empty")
	}
	for _, r := range s {
		if !isMethodRune(r) {
			return "", fmt.Errorf("access method %q contains invalid character %q", s, r)
		}
	}
	return AccessMethod(s), nil
}

func isMethodRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-', r == '.':
		return true
	}
	return false
}
