// Package token implements the time-limited HMAC access tokens handed out by
// the beacon's presence channels and checked by the verifier.
//
// A token is a colon delimited canonical string followed by
// HMAC-SHA256(key, canonical) in lowercase hex:
//
//	<timestamp>:<access_method>:<device_index>:<hmac>                (FormatTimestamp)
//	<time_window>:<token_index>:<access_method>:<device_index>:<hmac> (FormatWindow)
//
// Timestamp tokens are accepted while |now - timestamp| <= tolerance. Window
// tokens are accepted in their own 30 second window and the one after it.
package token

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/crypto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultTolerance is the accepted clock distance for timestamp tokens
	DefaultTolerance = 30 * time.Second

	// WindowDuration is the bucket size of window tokens in seconds
	WindowDuration = 30

	// TokensPerWindow is the number of distinct window tokens per bucket
	TokensPerWindow = 5
)

// Generator issues and validates tokens. It owns the signing key; apart from
// an explicit RotateKey it is read-only and safe for concurrent use.
type Generator struct {
	keys      *crypto.KeyRing
	rotation  atomic.Pointer[crypto.RotationState]
	digest    crypto.Digest
	now       func() time.Time
	format    Format
	tolerance time.Duration

	previous      []byte
	previousUntil time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the wall-clock source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithDigest replaces the HMAC-SHA256 primitive.
func WithDigest(d crypto.Digest) Option {
	return func(g *Generator) { g.digest = d }
}

// WithFormat sets the format Decode expects. Defaults to FormatTimestamp.
func WithFormat(f Format) Option {
	return func(g *Generator) { g.format = f }
}

// WithTolerance sets the tolerance used by Validate. Defaults to DefaultTolerance.
func WithTolerance(d time.Duration) Option {
	return func(g *Generator) { g.tolerance = d }
}

// WithPreviousKey keeps tokens signed with prev validating until until, as
// if the generator had just been rotated away from prev. It has no effect
// once until has passed.
func WithPreviousKey(prev []byte, until time.Time) Option {
	return func(g *Generator) {
		g.previous = prev
		g.previousUntil = until
	}
}

// New creates a Generator signing with key. The digest primitive is self
// tested first; a failure is returned wrapping crypto.ErrDigestUnavailable
// and must stop startup. An empty key is accepted; refusing it is the
// caller's job.
func New(key []byte, opts ...Option) (*Generator, error) {
	g := &Generator{
		keys:      crypto.NewKeyRing(key),
		digest:    crypto.HMACSHA256Hex,
		now:       time.Now,
		format:    FormatTimestamp,
		tolerance: DefaultTolerance,
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := crypto.CheckDigest(g.digest); err != nil {
		return nil, fmt.Errorf("token generator: %w", err)
	}
	if g.format != FormatTimestamp && g.format != FormatWindow {
		return nil, fmt.Errorf("token generator: unsupported format %v", g.format)
	}
	if len(g.previous) > 0 {
		now := g.now()
		if grace := g.previousUntil.Sub(now); grace > 0 {
			g.keys = crypto.NewKeyRing(g.previous)
			g.RotateKey(key, grace)
		}
		g.previous = nil
	}
	return g, nil
}

// Format returns the format Decode expects.
func (g *Generator) Format() Format { return g.format }

// Tolerance returns the tolerance used by Validate.
func (g *Generator) Tolerance() time.Duration { return g.tolerance }

// Generate issues a timestamp token for the current instant. Callers are
// expected to check that the clock is trustworthy first.
func (g *Generator) Generate(method AccessMethod, deviceIndex int) string {
	return g.GenerateAt(unixSeconds(g.now()), method, deviceIndex)
}

// GenerateAt issues a timestamp token for ts.
func (g *Generator) GenerateAt(ts uint64, method AccessMethod, deviceIndex int) string {
	canonical := Encode(Fields{
		Format:       FormatTimestamp,
		Timestamp:    ts,
		AccessMethod: method,
		DeviceIndex:  deviceIndex,
	})
	metricGenerated.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("format", FormatTimestamp.String()),
		attribute.String("method", string(method)),
	))
	return Sign(canonical, g.keys.Current(), g.digest)
}

// GenerateWindow issues all TokensPerWindow window tokens for the current window.
func (g *Generator) GenerateWindow(method AccessMethod, deviceIndex int) []string {
	return g.GenerateWindowAt(unixSeconds(g.now()), method, deviceIndex)
}

// GenerateWindowAt issues all TokensPerWindow window tokens for the window containing ts.
func (g *Generator) GenerateWindowAt(ts uint64, method AccessMethod, deviceIndex int) []string {
	window := ts / WindowDuration
	key := g.keys.Current()

	tokens := make([]string, 0, TokensPerWindow)
	for i := 0; i < TokensPerWindow; i++ {
		canonical := Encode(Fields{
			Format:       FormatWindow,
			TimeWindow:   window,
			TokenIndex:   i,
			AccessMethod: method,
			DeviceIndex:  deviceIndex,
		})
		tokens = append(tokens, Sign(canonical, key, g.digest))
	}
	metricGenerated.Add(context.Background(), TokensPerWindow, metric.WithAttributes(
		attribute.String("format", FormatWindow.String()),
		attribute.String("method", string(method)),
	))
	return tokens
}

// Validate decodes token against the current time and configured tolerance.
func (g *Generator) Validate(token string) TokenInfo {
	return g.Decode(token, g.tolerance)
}

// Decode decodes token against the current time.
func (g *Generator) Decode(token string, tolerance time.Duration) TokenInfo {
	return g.DecodeAt(token, g.now(), tolerance)
}

// DecodeAt decodes token as if the current time were now. tolerance only
// applies to FormatTimestamp.
func (g *Generator) DecodeAt(token string, now time.Time, tolerance time.Duration) TokenInfo {
	info := g.decode(token, now, tolerance)
	metricDecoded.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("format", g.format.String()),
		attribute.String("result", info.Result()),
	))
	return info
}

func (g *Generator) decode(token string, now time.Time, tolerance time.Duration) TokenInfo {
	p, err := Parse(token, g.format)
	if err != nil {
		return invalid(g.format, MessageInvalidFormat, err)
	}

	if !g.verify(p, now) {
		return invalid(g.format, MessageInvalidSignature, ErrInvalidSignature)
	}

	nowSec := unixSeconds(now)
	if g.format == FormatWindow {
		if p.TokenIndex < 0 || p.TokenIndex >= TokensPerWindow {
			return invalid(g.format, MessageInvalidIndex,
				fmt.Errorf("%w: %d", ErrInvalidIndex, p.TokenIndex))
		}
		current := nowSec / WindowDuration
		if p.TimeWindow != current && p.TimeWindow+1 != current {
			return invalid(g.format, MessageExpired,
				fmt.Errorf("%w: window %d, current window %d", ErrExpired, p.TimeWindow, current))
		}
		return valid(p)
	}

	if distance(p.Timestamp, nowSec) > toleranceSeconds(tolerance) {
		return invalid(g.format, MessageExpired,
			fmt.Errorf("%w: timestamp %d, now %d", ErrExpired, p.Timestamp, nowSec))
	}
	return valid(p)
}

// verify recomputes the canonical string from the parsed fields and checks
// the digest under every verifying key. A token whose signed text is not in
// canonical form, such as a device index of "04", fails here.
func (g *Generator) verify(p Parsed, now time.Time) bool {
	canonical := Encode(p.Fields)
	ok := canonical == p.Signed
	matched := false
	for _, key := range g.keys.Verifying(now) {
		if crypto.Equal(g.digest(key, []byte(canonical)), p.Digest) {
			matched = true
		}
	}
	return ok && matched
}

// IsTokenValid reports whether token is valid now within tolerance.
func (g *Generator) IsTokenValid(token string, tolerance time.Duration) bool {
	return g.Decode(token, tolerance).Valid
}

// RotateKey makes newKey the signing key. Tokens signed with the previous
// key keep validating for grace.
func (g *Generator) RotateKey(newKey []byte, grace time.Duration) crypto.RotationState {
	state := g.keys.Rotate(newKey, grace, g.now())
	g.rotation.Store(&state)
	return state
}

// Rotation returns the most recent key rotation, if any.
func (g *Generator) Rotation() (crypto.RotationState, bool) {
	rs := g.rotation.Load()
	if rs == nil {
		return crypto.RotationState{}, false
	}
	return *rs, true
}

// KeyID returns the fingerprint of the current signing key.
func (g *Generator) KeyID() string {
	return crypto.KeyID(g.keys.Current())
}

// InGrace reports whether a replaced key is still accepted.
func (g *Generator) InGrace() bool {
	rs := g.rotation.Load()
	return rs != nil && rs.IsInGracePeriod(g.now())
}

func unixSeconds(t time.Time) uint64 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func toleranceSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}
