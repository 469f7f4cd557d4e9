package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLimiter(t *testing.T, cfg Config) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg.Clock = clock.Now
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()

	rl, _ := testLimiter(t, Config{RequestsPerSec: 10, Burst: 5, MaxClients: 100})

	ip := "192.168.1.1"
	for i := 0; i < 5; i++ {
		if !rl.Allow(ip) {
			t.Errorf("Request %d should be allowed (within burst)", i+1)
		}
	}
	if rl.Allow(ip) {
		t.Error("Request 6 should be denied (burst exhausted)")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	t.Parallel()

	rl, clock := testLimiter(t, Config{RequestsPerSec: 10, Burst: 5, MaxClients: 100})

	ip := "192.168.1.1"
	for i := 0; i < 5; i++ {
		rl.Allow(ip)
	}
	if rl.Allow(ip) {
		t.Error("Should be denied after burst exhausted")
	}

	// 0.2s at 10/sec refills 2 tokens
	clock.Advance(200 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if !rl.Allow(ip) {
			t.Errorf("Request %d after refill should be allowed", i+1)
		}
	}
	if rl.Allow(ip) {
		t.Error("Should be denied after refilled tokens exhausted")
	}
}

func TestRateLimiterDeniedRequestsKeepRefill(t *testing.T) {
	t.Parallel()

	rl, clock := testLimiter(t, Config{RequestsPerSec: 1, Burst: 1, MaxClients: 100})

	ip := "10.0.0.1"
	if !rl.Allow(ip) {
		t.Fatal("first request should be allowed")
	}

	// Hammering while empty must not reset the refill progress
	for i := 0; i < 5; i++ {
		clock.Advance(200 * time.Millisecond)
		if i < 4 && rl.Allow(ip) {
			t.Fatalf("request at +%dms should be denied", (i+1)*200)
		}
	}
	if !rl.Allow(ip) {
		t.Error("a full second after the last token, a request should pass")
	}
}

func TestRateLimiterMultipleClients(t *testing.T) {
	t.Parallel()

	rl, _ := testLimiter(t, Config{RequestsPerSec: 2, Burst: 5, MaxClients: 100})

	ips := []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"}
	for _, ip := range ips {
		for i := 0; i < 5; i++ {
			if !rl.Allow(ip) {
				t.Errorf("IP %s: Request %d should be allowed", ip, i+1)
			}
		}
	}
	for _, ip := range ips {
		if rl.Allow(ip) {
			t.Errorf("IP %s should be denied after burst exhausted", ip)
		}
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	t.Parallel()

	rl, _ := testLimiter(t, Config{RequestsPerSec: 10, Burst: 2, MaxClients: 3})

	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.2")
	rl.Allow("192.168.1.3")

	// Touching .2 makes .1 the least recently seen
	rl.Allow("192.168.1.2")
	rl.Allow("192.168.1.4")

	if got := rl.Stats().TrackedClients; got != 3 {
		t.Errorf("TrackedClients = %d, want 3", got)
	}
	// .1 was evicted, so it starts over with a full bucket
	if !rl.Allow("192.168.1.1") {
		t.Error("evicted client should get a fresh bucket")
	}
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	t.Parallel()

	rl, _ := testLimiter(t, Config{RequestsPerSec: 100, Burst: 1000, MaxClients: 10})

	var wg sync.WaitGroup
	allowed := make([]int64, 10)

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if rl.Allow("192.168.1.1") {
					allowed[id]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := int64(0)
	for _, count := range allowed {
		total += count
	}
	// The clock is frozen, so exactly the burst is granted
	if total != 1000 {
		t.Errorf("Expected total allowed requests to be 1000, got %d", total)
	}
}

func TestRateLimiterStats(t *testing.T) {
	t.Parallel()

	rl, _ := testLimiter(t, Config{RequestsPerSec: 10, Burst: 5, MaxClients: 100, CleanupInterval: time.Minute})

	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.2")
	rl.Allow("192.168.1.3")

	want := Stats{TrackedClients: 3, MaxClients: 100, RequestsPerSec: 10, Burst: 5, CleanupInterval: "1m0s"}
	if got := rl.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestRateLimiterZeroConfig(t *testing.T) {
	t.Parallel()

	rl, _ := testLimiter(t, Config{})
	def := DefaultConfig()

	s := rl.Stats()
	if s.MaxClients != def.MaxClients || s.Burst != def.Burst || s.RequestsPerSec != float64(def.RequestsPerSec) {
		t.Errorf("zero config should use defaults, got %+v", s)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()

	rl, clock := testLimiter(t, Config{RequestsPerSec: 10, Burst: 5, MaxClients: 100, CleanupInterval: time.Minute})

	rl.Allow("192.168.1.1")
	clock.Advance(50 * time.Second)
	rl.Allow("192.168.1.2")
	clock.Advance(20 * time.Second)

	rl.cleanup()

	if got := rl.Stats().TrackedClients; got != 1 {
		t.Errorf("TrackedClients after cleanup = %d, want 1", got)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	rl, _ := testLimiter(t, Config{RequestsPerSec: 1, Burst: 2})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/scan", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: status %d, want %d", i+1, codes[i], want[i])
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "198.51.100.2:5555", "", "198.51.100.2"},
		{"forwarded", "10.0.0.1:80", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"forwarded blank", "10.0.0.1:80", " ,", "10.0.0.1"},
		{"no port", "unix", "", "unix"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.fwd != "" {
			req.Header.Set("X-Forwarded-For", tt.fwd)
		}
		if got := ClientIP(req); got != tt.want {
			t.Errorf("%s: ClientIP() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	rl := NewRateLimiter(Config{RequestsPerSec: 100, Burst: 1000, MaxClients: 100})
	defer rl.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow("192.168.1.1")
	}
}

func BenchmarkRateLimiterAllowParallel(b *testing.B) {
	rl := NewRateLimiter(Config{RequestsPerSec: 1000, Burst: 10000, MaxClients: 100})
	defer rl.Stop()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rl.Allow("192.168.1.1")
		}
	})
}
