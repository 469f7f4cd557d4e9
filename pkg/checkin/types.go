// Package checkin implements the verifier backend: it validates tokens
// scanned from a beacon and records attendance.
//
// A token may be presented by many people while it is fresh; every
// attendee in the room scans the same tag. A subject can only check in once
// per token.
package checkin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested check-in does not exist.
	ErrNotFound = errors.New("check-in not found")

	// ErrDuplicate is returned when a subject presents the same token twice.
	ErrDuplicate = errors.New("already checked in with this token")
)

// DefaultListLimit caps GET /v1/checkins when no limit is given.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// CheckIn is one recorded attendance.
type CheckIn struct {
	ID           string    `json:"id"`
	DeviceIndex  int       `json:"device_index"`
	AccessMethod string    `json:"access_method"`
	Subject      string    `json:"subject"`
	Format       string    `json:"format"`
	TokenTime    time.Time `json:"token_time"`
	TokenIndex   int       `json:"token_index,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// NewCheckIn builds a record from a valid token.
func NewCheckIn(info token.TokenInfo, subject string, now time.Time) *CheckIn {
	c := &CheckIn{
		ID:           uuid.NewString(),
		DeviceIndex:  info.DeviceIndex,
		AccessMethod: string(info.AccessMethod),
		Subject:      subject,
		Format:       info.Format.String(),
		TokenTime:    TokenTime(info),
		RecordedAt:   now.UTC(),
	}
	if info.Format == token.FormatWindow {
		c.TokenIndex = info.TokenIndex
	}
	return c
}

// TokenTime is when a token was issued. Window tokens report the start of
// their window.
func TokenTime(info token.TokenInfo) time.Time {
	if info.Format == token.FormatWindow {
		return time.Unix(int64(info.TimeWindow*token.WindowDuration), 0).UTC()
	}
	return time.Unix(int64(info.Timestamp), 0).UTC()
}

// DedupeKey identifies one subject presenting one token. The token itself is
// hashed so stores never hold a replayable credential.
func DedupeKey(tok, subject string) string {
	h := sha256.New()
	h.Write([]byte(tok))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	return hex.EncodeToString(h.Sum(nil))
}
