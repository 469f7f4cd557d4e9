// Package presence drives the channels a beacon announces itself on: the
// NFC tag and the captive portal. Each channel gets a fresh token whenever
// the refresh timer fires or a reader taps the tag, as long as the clock
// can be trusted.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/timesync"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultInterval = 5 * time.Second
	tapQueueSize    = 1
)

// ErrClockNotReady is returned when a refresh is attempted before the time
// source is trustworthy.
var ErrClockNotReady = errors.New("clock not synchronized")

// Issuer is the token generator as seen by the presence channels.
// *token.Generator satisfies it.
type Issuer interface {
	Format() token.Format
	GenerateAt(ts uint64, method token.AccessMethod, deviceIndex int) string
	GenerateWindowAt(ts uint64, method token.AccessMethod, deviceIndex int) []string
}

// Trigger records what caused a refresh.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerTap    Trigger = "tap"
	TriggerManual Trigger = "manual"
)

// Payload is one issued token together with its delivery URL.
type Payload struct {
	Token       string             `json:"token"`
	URL         string             `json:"url"`
	Method      token.AccessMethod `json:"access_method"`
	DeviceIndex int                `json:"device_index"`
	IssuedAt    time.Time          `json:"issued_at"`
	Trigger     Trigger            `json:"trigger"`
	Seq         uint64             `json:"seq"`
}

// Publisher delivers a payload to one channel.
type Publisher interface {
	Publish(ctx context.Context, p Payload) error
}

// ScanURL appends tok to base as the whole raw query string, which is where
// the verifier's /scan reads it from. base must not carry a query of its own.
// The token alphabet is URL safe when the access method came through
// token.ParseAccessMethod.
func ScanURL(base, tok string) string {
	return base + "?" + tok
}

// issue produces one token at now. Window generators hand out their indices
// in rotation so consecutive refreshes stay distinguishable.
func issue(iss Issuer, now time.Time, method token.AccessMethod, device int, seq uint64) string {
	ts := uint64(0)
	if s := now.Unix(); s > 0 {
		ts = uint64(s)
	}
	if iss.Format() == token.FormatWindow {
		tokens := iss.GenerateWindowAt(ts, method, device)
		return tokens[seq%uint64(len(tokens))]
	}
	return iss.GenerateAt(ts, method, device)
}

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	Name        string // log tag, e.g. "NFC"
	Method      token.AccessMethod
	DeviceIndex int
	BaseURL     string
	Interval    time.Duration

	// Debounce is the minimum gap between two accepted taps. Defaults to
	// Interval.
	Debounce time.Duration

	// Monotonic is used for tap debouncing. Defaults to time.Now.
	Monotonic func() time.Time
}

// Refresher periodically issues a token for one device and pushes it to its
// publishers. It owns nothing global: the issuer, clock gate and publishers
// are injected.
type Refresher struct {
	cfg        RefresherConfig
	issuer     Issuer
	gate       timesync.Source
	publishers []Publisher

	taps chan struct{}

	// publishMu orders refreshes end to end so payloads reach the
	// publishers and current in seq order.
	publishMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	current Payload
	hasCur  bool
	lastTap time.Time
	skipped uint64
}

// NewRefresher creates a Refresher.
func NewRefresher(cfg RefresherConfig, issuer Issuer, gate timesync.Source, publishers ...Publisher) (*Refresher, error) {
	if issuer == nil {
		return nil, fmt.Errorf("refresher: issuer is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("refresher: time source is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("refresher: base URL is required")
	}
	if strings.ContainsAny(cfg.BaseURL, "?#") {
		return nil, fmt.Errorf("refresher: base URL %q must not contain a query or fragment", cfg.BaseURL)
	}
	if cfg.Method == "" {
		return nil, fmt.Errorf("refresher: access method is required")
	}
	if cfg.DeviceIndex < 0 {
		return nil, fmt.Errorf("refresher: device index must be >= 0, got %d", cfg.DeviceIndex)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = cfg.Interval
	}
	if cfg.Monotonic == nil {
		cfg.Monotonic = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = "Presence"
	}

	return &Refresher{
		cfg:        cfg,
		issuer:     issuer,
		gate:       gate,
		publishers: publishers,
		taps:       make(chan struct{}, tapQueueSize),
	}, nil
}

// Tap signals that a reader entered the RF field. It never blocks. Taps
// within Debounce of the last accepted tap are dropped; the return value
// reports whether this one was accepted.
func (r *Refresher) Tap() bool {
	now := r.cfg.Monotonic()

	r.mu.Lock()
	if !r.lastTap.IsZero() && now.Sub(r.lastTap) < r.cfg.Debounce {
		r.mu.Unlock()
		metricTaps.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("accepted", false)))
		return false
	}
	r.lastTap = now
	r.mu.Unlock()

	select {
	case r.taps <- struct{}{}:
	default:
		// a refresh is already queued
	}
	metricTaps.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("accepted", true)))
	return true
}

// Refresh issues and publishes a token now. It returns ErrClockNotReady
// without publishing when the time source is not valid. Publisher errors
// are joined; the payload is still recorded as current. Concurrent calls
// are serialized.
func (r *Refresher) Refresh(ctx context.Context, trigger Trigger) (Payload, error) {
	if !r.gate.Valid() {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		metricRefreshes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", r.cfg.Name),
			attribute.String("result", "not_ready"),
		))
		return Payload{}, ErrClockNotReady
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	now := r.gate.Now()

	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	tok := issue(r.issuer, now, r.cfg.Method, r.cfg.DeviceIndex, seq)
	p := Payload{
		Token:       tok,
		URL:         ScanURL(r.cfg.BaseURL, tok),
		Method:      r.cfg.Method,
		DeviceIndex: r.cfg.DeviceIndex,
		IssuedAt:    now,
		Trigger:     trigger,
		Seq:         seq,
	}

	var errs []error
	for _, pub := range r.publishers {
		if err := pub.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	r.current = p
	r.hasCur = true
	r.mu.Unlock()

	result := "ok"
	if len(errs) > 0 {
		result = "publish_error"
	}
	metricRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", r.cfg.Name),
		attribute.String("result", result),
	))
	return p, errors.Join(errs...)
}

// Current returns the last issued payload.
func (r *Refresher) Current() (Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.hasCur
}

// Skipped returns how many refreshes were skipped for an untrusted clock.
func (r *Refresher) Skipped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Run refreshes every Interval and on every accepted tap until ctx is
// cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[%s] Refreshing every %v (device %d, method %s)",
		r.cfg.Name, r.cfg.Interval, r.cfg.DeviceIndex, r.cfg.Method)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, TriggerTimer)
		case <-r.taps:
			r.runOnce(ctx, TriggerTap)
		}
	}
}

func (r *Refresher) runOnce(ctx context.Context, trigger Trigger) {
	p, err := r.Refresh(ctx, trigger)
	switch {
	case errors.Is(err, ErrClockNotReady):
		log.Printf("[%s] Update skipped - not ready", r.cfg.Name)
	case err != nil:
		log.Printf("[%s] Publish failed (seq %d): %v", r.cfg.Name, p.Seq, err)
	default:
		log.Printf("[%s] Token refreshed (%s, seq %d)", r.cfg.Name, trigger, p.Seq)
	}
}
