// Package ratelimit throttles verifier clients with one token bucket per
// client key, evicting the least recently seen client when full.
package ratelimit

import (
	"container/list"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements a per-client token bucket rate limiter with LRU eviction.
type RateLimiter struct {
	mu sync.Mutex

	perSec          rate.Limit
	burst           int
	maxClients      int
	cleanupInterval time.Duration
	now             func() time.Time

	clients map[string]*list.Element
	lru     *list.List // front = most recently seen

	stopCh  chan struct{}
	stopped bool
}

type client struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds configuration for the rate limiter.
type Config struct {
	RequestsPerSec  int           // Requests per second per client (default: 5)
	Burst           int           // Max tokens in bucket (default: 10)
	MaxClients      int           // Maximum clients to track (default: 10000)
	CleanupInterval time.Duration // Idle client eviction interval (default: 5 minutes)

	// Clock for tests. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the default rate limiter configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSec:  5,
		Burst:           10,
		MaxClients:      10000,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewRateLimiter creates a new rate limiter with the given configuration.
// Zero fields take the defaults.
func NewRateLimiter(config Config) *RateLimiter {
	def := DefaultConfig()
	if config.RequestsPerSec <= 0 {
		config.RequestsPerSec = def.RequestsPerSec
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.MaxClients <= 0 {
		config.MaxClients = def.MaxClients
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	rl := &RateLimiter{
		perSec:          rate.Limit(config.RequestsPerSec),
		burst:           config.Burst,
		maxClients:      config.MaxClients,
		cleanupInterval: config.CleanupInterval,
		now:             config.Clock,
		clients:         make(map[string]*list.Element),
		lru:             list.New(),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from key may proceed and consumes a token
// if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	el, ok := rl.clients[key]
	if ok {
		rl.lru.MoveToFront(el)
	} else {
		if rl.lru.Len() >= rl.maxClients {
			rl.evict(rl.lru.Back())
		}
		el = rl.lru.PushFront(&client{key: key, limiter: rate.NewLimiter(rl.perSec, rl.burst)})
		rl.clients[key] = el
	}

	c := el.Value.(*client)
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evict(el *list.Element) {
	if el == nil {
		return
	}
	c := rl.lru.Remove(el).(*client)
	delete(rl.clients, c.key)
}

// cleanupLoop periodically removes idle clients.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup drops clients not seen for longer than the cleanup interval. The
// list is ordered by last use, so it stops at the first recent one.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for el := rl.lru.Back(); el != nil; {
		c := el.Value.(*client)
		if now.Sub(c.lastSeen) <= rl.cleanupInterval {
			return
		}
		prev := el.Prev()
		rl.evict(el)
		el = prev
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.stopped {
		close(rl.stopCh)
		rl.stopped = true
	}
}

// Stats describes the limiter state.
type Stats struct {
	TrackedClients  int     `json:"tracked_clients"`
	MaxClients      int     `json:"max_clients"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	Burst           int     `json:"burst"`
	CleanupInterval string  `json:"cleanup_interval"`
}

// Stats returns statistics about the rate limiter state.
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		TrackedClients:  rl.lru.Len(),
		MaxClients:      rl.maxClients,
		RequestsPerSec:  float64(rl.perSec),
		Burst:           rl.burst,
		CleanupInterval: rl.cleanupInterval.String(),
	}
}

// Middleware rejects requests over the limit with 429. Requests are keyed by
// ClientIP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the requesting client's IP. The first X-Forwarded-For
// entry wins when present, since the verifier normally runs behind a proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
