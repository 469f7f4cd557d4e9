package token

import "errors"

// Validation messages. These are the only strings shown to token holders;
// Err carries the detail for operators.
const (
	MessageValid            = "Token is valid"
	MessageInvalidFormat    = "Invalid token format"
	MessageInvalidSignature = "Invalid token signature"
	MessageInvalidIndex     = "Invalid token index"
	MessageExpired          = "Token expired or from future"
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidIndex     = errors.New("invalid token index")
	ErrExpired          = errors.New("token expired or from future")
)

// TokenInfo is the result of decoding a token. Invalid results carry no
// fields, only Message and Err.
type TokenInfo struct {
	Valid        bool
	Format       Format
	Timestamp    uint64
	TimeWindow   uint64
	TokenIndex   int
	AccessMethod AccessMethod
	DeviceIndex  int
	Message      string
	Err          error
}

func invalid(f Format, message string, err error) TokenInfo {
	return TokenInfo{Format: f, Message: message, Err: err}
}

func valid(p Parsed) TokenInfo {
	return TokenInfo{
		Valid:        true,
		Format:       p.Format,
		Timestamp:    p.Timestamp,
		TimeWindow:   p.TimeWindow,
		TokenIndex:   p.TokenIndex,
		AccessMethod: p.AccessMethod,
		DeviceIndex:  p.DeviceIndex,
		Message:      MessageValid,
	}
}

// Result is a short label for metrics and logs.
func (ti TokenInfo) Result() string {
	switch {
	case ti.Valid:
		return "valid"
	case errors.Is(ti.Err, ErrInvalidFormat):
		return "format"
	case errors.Is(ti.Err, ErrInvalidSignature):
		return "signature"
	case errors.Is(ti.Err, ErrInvalidIndex):
		return "index"
	case errors.Is(ti.Err, ErrExpired):
		return "expired"
	}
	return "invalid"
}
