// Package timesync decides whether the local wall clock can be trusted to
// issue tokens, and keeps it corrected against SNTP servers.
package timesync

import "time"

// ValidAfter is 2025-01-01T00:00:00Z. A clock at or before it has not been
// set since boot.
const ValidAfter int64 = 1735689600

// Source provides the wall clock together with a trust flag. Tokens must not
// be issued while Valid returns false.
type Source interface {
	Now() time.Time
	Valid() bool
}

// IsPlausible reports whether t is past ValidAfter.
func IsPlausible(t time.Time) bool {
	return t.Unix() > ValidAfter
}

// SystemClock trusts the host clock whenever it is plausible.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Valid() bool { return IsPlausible(time.Now()) }

// FixedClock is a Source frozen at a single instant. The CLI uses it to issue
// and check tokens at an explicit --at timestamp.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }

func (c FixedClock) Valid() bool { return IsPlausible(time.Time(c)) }
