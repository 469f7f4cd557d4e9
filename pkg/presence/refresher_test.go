package presence

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
)

const testNow = 1735689600 + 3600

type fakeGate struct {
	mu    sync.Mutex
	now   time.Time
	valid bool
}

func newFakeGate(valid bool) *fakeGate {
	return &fakeGate{now: time.Unix(testNow, 0), valid: valid}
}

func (g *fakeGate) Now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now
}

func (g *fakeGate) Valid() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.valid
}

func (g *fakeGate) setValid(v bool) {
	g.mu.Lock()
	g.valid = v
	g.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []Payload
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, pl Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, pl)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func newTestIssuer(t *testing.T, opts ...token.Option) *token.Generator {
	t.Helper()
	g, err := token.New([]byte("test-key"), opts...)
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}
	return g
}

func TestScanURL(t *testing.T) {
	t.Parallel()

	if got := ScanURL("https://host/scan", "1:web_access:0:ab"); got != "https://host/scan?1:web_access:0:ab" {
		t.Errorf("ScanURL() = %q", got)
	}

	// /scan takes the whole raw query as the token
	u, err := url.Parse(ScanURL("https://host/scan", "1:web_access:0:ab"))
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.RawQuery != "1:web_access:0:ab" {
		t.Errorf("RawQuery = %q, want the bare token", u.RawQuery)
	}
}

func TestNewRefresherValidation(t *testing.T) {
	t.Parallel()

	iss := newTestIssuer(t)
	gate := newFakeGate(true)
	good := RefresherConfig{Method: token.MethodNFC, BaseURL: "https://host/scan"}

	tests := []struct {
		name   string
		cfg    RefresherConfig
		issuer Issuer
	}{
		{"no base url", RefresherConfig{Method: token.MethodNFC}, iss},
		{"no method", RefresherConfig{BaseURL: "https://host/scan"}, iss},
		{"negative device", RefresherConfig{Method: token.MethodNFC, BaseURL: "x", DeviceIndex: -1}, iss},
		{"base url with query", RefresherConfig{Method: token.MethodNFC, BaseURL: "https://host/scan?v=2"}, iss},
		{"base url with fragment", RefresherConfig{Method: token.MethodNFC, BaseURL: "https://host/scan#x"}, iss},
		{"nil issuer", good, nil},
	}
	for _, tt := range tests {
		if _, err := NewRefresher(tt.cfg, tt.issuer, gate); err == nil {
			t.Errorf("%s: NewRefresher() error = nil", tt.name)
		}
	}

	r, err := NewRefresher(good, iss, gate)
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}
	if r.cfg.Interval != DefaultInterval || r.cfg.Debounce != DefaultInterval {
		t.Errorf("defaults: interval %v, debounce %v", r.cfg.Interval, r.cfg.Debounce)
	}
}

func TestRefreshGatedOnClock(t *testing.T) {
	t.Parallel()

	iss := newTestIssuer(t)
	gate := newFakeGate(false)
	pub := &recordingPublisher{}
	r, err := NewRefresher(RefresherConfig{Method: token.MethodNFC, DeviceIndex: 2, BaseURL: "https://host/scan"}, iss, gate, pub)
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}

	if _, err := r.Refresh(context.Background(), TriggerTimer); !errors.Is(err, ErrClockNotReady) {
		t.Fatalf("Refresh() error = %v, want ErrClockNotReady", err)
	}
	if pub.count() != 0 {
		t.Error("nothing should be published before the clock is valid")
	}
	if _, ok := r.Current(); ok {
		t.Error("Current() should be empty before the first refresh")
	}
	if r.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", r.Skipped())
	}

	gate.setValid(true)
	p, err := r.Refresh(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d payloads, want 1", pub.count())
	}
	if !strings.HasPrefix(p.Token, "1735693200:nfc_access:2:") {
		t.Errorf("token = %q", p.Token)
	}
	if p.URL != "https://host/scan?"+p.Token {
		t.Errorf("URL = %q", p.URL)
	}
	if p.Trigger != TriggerManual {
		t.Errorf("Trigger = %q", p.Trigger)
	}

	info := iss.DecodeAt(p.Token, time.Unix(testNow, 0), token.DefaultTolerance)
	if !info.Valid {
		t.Errorf("published token invalid: %s", info.Message)
	}

	cur, ok := r.Current()
	if !ok || cur.Token != p.Token {
		t.Errorf("Current() = %+v, %v", cur, ok)
	}
}

func TestRefreshPublisherError(t *testing.T) {
	t.Parallel()

	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("i2c nack")}
	r, err := NewRefresher(RefresherConfig{Method: token.MethodNFC, BaseURL: "https://host/scan"},
		newTestIssuer(t), newFakeGate(true), bad, ok)
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}

	if _, err := r.Refresh(context.Background(), TriggerTimer); err == nil {
		t.Fatal("Refresh() should report publisher errors")
	}
	if ok.count() != 1 {
		t.Error("a failing publisher must not stop the others")
	}
	if _, has := r.Current(); !has {
		t.Error("payload should be recorded even when a publisher fails")
	}
}

func TestRefreshWindowFormatRotatesIndex(t *testing.T) {
	t.Parallel()

	iss := newTestIssuer(t, token.WithFormat(token.FormatWindow))
	r, err := NewRefresher(RefresherConfig{Method: token.MethodNFC, BaseURL: "https://host/scan"}, iss, newFakeGate(true))
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}

	window := testNow / token.WindowDuration
	for i := 0; i < token.TokensPerWindow+1; i++ {
		p, err := r.Refresh(context.Background(), TriggerTimer)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		info := iss.DecodeAt(p.Token, time.Unix(testNow, 0), 0)
		if !info.Valid {
			t.Fatalf("window token invalid: %s", info.Message)
		}
		if info.TimeWindow != uint64(window) || info.TokenIndex != i%token.TokensPerWindow {
			t.Errorf("refresh %d: window %d index %d", i, info.TimeWindow, info.TokenIndex)
		}
	}
}

func TestTapDebounce(t *testing.T) {
	t.Parallel()

	mono := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return mono
	}
	advance := func(d time.Duration) {
		mu.Lock()
		mono = mono.Add(d)
		mu.Unlock()
	}

	r, err := NewRefresher(RefresherConfig{
		Method:    token.MethodNFC,
		BaseURL:   "https://host/scan",
		Interval:  time.Hour,
		Debounce:  5 * time.Second,
		Monotonic: clock,
	}, newTestIssuer(t), newFakeGate(true))
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}

	if !r.Tap() {
		t.Fatal("first tap should be accepted")
	}
	advance(time.Second)
	if r.Tap() {
		t.Error("tap within debounce should be dropped")
	}
	advance(4 * time.Second)
	if !r.Tap() {
		t.Error("tap after debounce should be accepted")
	}
}

func TestRunRefreshesOnTap(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	r, err := NewRefresher(RefresherConfig{
		Method:   token.MethodNFC,
		BaseURL:  "https://host/scan",
		Interval: time.Hour,
		Debounce: time.Millisecond,
	}, newTestIssuer(t), newFakeGate(true), pub)
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Tap()
	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if pub.count() == 0 {
		t.Fatal("tap did not trigger a refresh")
	}
	cur, _ := r.Current()
	if cur.Trigger != TriggerTap {
		t.Errorf("Trigger = %q, want tap", cur.Trigger)
	}
}

func TestRunRefreshesOnTimer(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	r, err := NewRefresher(RefresherConfig{
		Method:   token.MethodWeb,
		BaseURL:  "https://host/scan",
		Interval: 10 * time.Millisecond,
	}, newTestIssuer(t), newFakeGate(true), pub)
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	for pub.count() < 2 {
		select {
		case <-ctx.Done():
			t.Fatalf("only %d timer refreshes before timeout", pub.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConcurrentRefreshesPublishInOrder(t *testing.T) {
	t.Parallel()

	iss := newTestIssuer(t, token.WithFormat(token.FormatWindow))
	pub := &recordingPublisher{}
	r, err := NewRefresher(RefresherConfig{Method: token.MethodNFC, BaseURL: "https://host/scan"},
		iss, newFakeGate(true), pub)
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Refresh(context.Background(), TriggerManual); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.payloads) != n {
		t.Fatalf("published %d payloads, want %d", len(pub.payloads), n)
	}
	for i, p := range pub.payloads {
		if p.Seq != uint64(i) {
			t.Fatalf("publish %d carried seq %d, want publishes in seq order", i, p.Seq)
		}
	}
	cur, ok := r.Current()
	if !ok || cur.Seq != n-1 {
		t.Errorf("Current() seq = %d (ok %v), want the last published seq %d", cur.Seq, ok, n-1)
	}
	if cur.Token != pub.payloads[n-1].Token {
		t.Errorf("Current() token differs from the last published token")
	}
}
