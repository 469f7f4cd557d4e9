package crypto

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// RotationState describes an explicit key rotation. It never carries key
// material, only fingerprints.
type RotationState struct {
	OldKeyID    string        `json:"old_key_id"`
	NewKeyID    string        `json:"new_key_id"`
	GracePeriod time.Duration `json:"grace_period"`
	StartedAt   time.Time     `json:"started_at"`
}

// IsInGracePeriod returns true while the previous key is still accepted
func (rs RotationState) IsInGracePeriod(now time.Time) bool {
	return now.Sub(rs.StartedAt) < rs.GracePeriod
}

// GraceUntil returns the instant the previous key stops verifying.
func (rs RotationState) GraceUntil() time.Time {
	return rs.StartedAt.Add(rs.GracePeriod)
}

// MarshalJSON implements json.Marshaler
func (rs RotationState) MarshalJSON() ([]byte, error) {
	type Alias RotationState
	return json.Marshal(struct {
		GracePeriod string    `json:"grace_period"`
		GraceUntil  time.Time `json:"grace_until"`
		Alias
	}{
		GracePeriod: rs.GracePeriod.String(),
		GraceUntil:  rs.GraceUntil(),
		Alias:       Alias(rs),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (rs *RotationState) UnmarshalJSON(data []byte) error {
	type Alias RotationState
	aux := struct {
		GracePeriod string `json:"grace_period"`
		*Alias
	}{Alias: (*Alias)(rs)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	rs.GracePeriod = 0
	if aux.GracePeriod != "" {
		d, err := time.ParseDuration(aux.GracePeriod)
		if err != nil {
			return fmt.Errorf("invalid grace_period: %w", err)
		}
		rs.GracePeriod = d
	}
	return nil
}

// keySnapshot is immutable once published through KeyRing.state.
type keySnapshot struct {
	current    []byte
	previous   []byte
	graceUntil time.Time
}

// KeyRing holds the signing key and, during a rotation, the key it replaced.
// Reads are lock-free; Rotate swaps in a new snapshot atomically.
type KeyRing struct {
	state atomic.Pointer[keySnapshot]
}

// NewKeyRing creates a key ring holding a copy of key.
func NewKeyRing(key []byte) *KeyRing {
	r := &KeyRing{}
	r.state.Store(&keySnapshot{current: clone(key)})
	return r
}

// Current returns the key new tokens are signed with.
func (r *KeyRing) Current() []byte {
	return r.state.Load().current
}

// Verifying returns the keys a token may be signed with at time now: the
// current key, followed by the previous key while its grace period lasts.
func (r *KeyRing) Verifying(now time.Time) [][]byte {
	s := r.state.Load()
	if s.previous != nil && now.Before(s.graceUntil) {
		return [][]byte{s.current, s.previous}
	}
	return [][]byte{s.current}
}

// Rotate makes newKey current. The replaced key keeps verifying for grace.
func (r *KeyRing) Rotate(newKey []byte, grace time.Duration, now time.Time) RotationState {
	old := r.state.Load()
	next := &keySnapshot{current: clone(newKey)}
	if grace > 0 {
		next.previous = old.current
		next.graceUntil = now.Add(grace)
	}
	r.state.Store(next)

	return RotationState{
		OldKeyID:    KeyID(old.current),
		NewKeyID:    KeyID(next.current),
		GracePeriod: grace,
		StartedAt:   now,
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
