package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/crypto"
)

// Delimiter separates token fields. Field values are never escaped.
const Delimiter = ":"

// Format selects the wire format revision a token is encoded in.
type Format int

const (
	// FormatTimestamp is <timestamp>:<method>:<device>:<hmac>, validated
	// against a tolerance window. This is the canonical format.
	FormatTimestamp Format = iota

	// FormatWindow is <window>:<index>:<method>:<device>:<hmac>, validated
	// by 30 second bucket equality.
	FormatWindow
)

func (f Format) String() string {
	switch f {
	case FormatTimestamp:
		return "timestamp"
	case FormatWindow:
		return "window"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat parses "timestamp" or "window".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "timestamp", "ts":
		return FormatTimestamp, nil
	case "window", "bucket":
		return FormatWindow, nil
	}
	return 0, fmt.Errorf("unknown token format %q", s)
}

// parts is the number of delimited fields including the digest.
func (f Format) parts() int {
	if f == FormatWindow {
		return 5
	}
	return 4
}

// Fields are the signed token fields. Timestamp is used by FormatTimestamp,
// TimeWindow and TokenIndex by FormatWindow.
type Fields struct {
	Format       Format
	Timestamp    uint64
	TimeWindow   uint64
	TokenIndex   int
	AccessMethod AccessMethod
	DeviceIndex  int
}

// Parsed is a structurally valid token whose digest has not been checked.
// Signed is the token text the digest covers, exactly as received.
type Parsed struct {
	Fields
	Signed string
	Digest string
}

// ErrInvalidFormat matches every *FormatError via errors.Is.
var ErrInvalidFormat = errors.New("invalid token format")

// FormatErrorKind classifies structural parse failures.
type FormatErrorKind int

const (
	WrongFieldCount FormatErrorKind = iota + 1
	NumericParse
)

func (k FormatErrorKind) String() string {
	switch k {
	case WrongFieldCount:
		return "wrong field count"
	case NumericParse:
		return "numeric parse"
	}
	return "unknown"
}

// FormatError reports why a token could not be parsed.
type FormatError struct {
	Kind  FormatErrorKind
	Field string // NumericParse only
	Got   int    // WrongFieldCount only
	Want  int    // WrongFieldCount only
	Err   error
}

func (e *FormatError) Error() string {
	if e.Kind == WrongFieldCount {
		return fmt.Sprintf("invalid token format: %s: got %d parts, want %d", e.Kind, e.Got, e.Want)
	}
	return fmt.Sprintf("invalid token format: %s: field %s: %v", e.Kind, e.Field, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrInvalidFormat }

// Encode renders the canonical token-data string for f.
func Encode(f Fields) string {
	var b strings.Builder
	if f.Format == FormatWindow {
		b.WriteString(strconv.FormatUint(f.TimeWindow, 10))
		b.WriteString(Delimiter)
		b.WriteString(strconv.Itoa(f.TokenIndex))
	} else {
		b.WriteString(strconv.FormatUint(f.Timestamp, 10))
	}
	b.WriteString(Delimiter)
	b.WriteString(string(f.AccessMethod))
	b.WriteString(Delimiter)
	b.WriteString(strconv.Itoa(f.DeviceIndex))
	return b.String()
}

// Sign appends the digest of canonical under key.
func Sign(canonical string, key []byte, digest crypto.Digest) string {
	return canonical + Delimiter + digest(key, []byte(canonical))
}

// Parse splits token into fields for format f. It checks structure only.
func Parse(token string, f Format) (Parsed, error) {
	parts := strings.Split(token, Delimiter)
	if len(parts) != f.parts() {
		return Parsed{}, &FormatError{Kind: WrongFieldCount, Got: len(parts), Want: f.parts()}
	}

	p := Parsed{Fields: Fields{Format: f}}
	var err error
	i := 0

	if f == FormatWindow {
		if p.TimeWindow, err = strconv.ParseUint(parts[i], 10, 64); err != nil {
			return Parsed{}, numericError("time_window", err)
		}
		i++
		if p.TokenIndex, err = strconv.Atoi(parts[i]); err != nil {
			return Parsed{}, numericError("token_index", err)
		}
	} else {
		if p.Timestamp, err = strconv.ParseUint(parts[i], 10, 64); err != nil {
			return Parsed{}, numericError("timestamp", err)
		}
	}
	i++

	p.AccessMethod = AccessMethod(parts[i])
	i++
	if p.DeviceIndex, err = strconv.Atoi(parts[i]); err != nil {
		return Parsed{}, numericError("device_index", err)
	}
	i++
	p.Digest = parts[i]
	p.Signed = token[:len(token)-len(p.Digest)-len(Delimiter)]

	return p, nil
}

func numericError(field string, err error) *FormatError {
	return &FormatError{Kind: NumericParse, Field: field, Err: err}
}
