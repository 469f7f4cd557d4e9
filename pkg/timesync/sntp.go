package timesync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// DefaultServers are queried in order until one answers.
var DefaultServers = []string{
	"pool.ntp.org",
	"time.nist.gov",
	"time.google.com",
}

const (
	DefaultInterval = 10 * time.Minute
	DefaultTimeout  = 30 * time.Second
)

// QueryFunc returns the offset to add to the local clock, as measured
// against server.
type QueryFunc func(server string, timeout time.Duration) (time.Duration, error)

// QueryNTP performs one SNTP exchange with server.
func QueryNTP(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("validate %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}

// SyncerConfig holds Syncer settings. Zero values take the defaults.
type SyncerConfig struct {
	Servers  []string
	Interval time.Duration
	Timeout  time.Duration

	// RequireSync keeps Valid false until one sync succeeded, even when the
	// local clock already looks plausible.
	RequireSync bool

	Query QueryFunc
	Clock func() time.Time
}

// Syncer is a Source that corrects the local clock by the offset measured
// on the last successful SNTP exchange.
type Syncer struct {
	servers     []string
	interval    time.Duration
	timeout     time.Duration
	requireSync bool
	query       QueryFunc
	clock       func() time.Time

	mu       sync.RWMutex
	offset   time.Duration
	synced   bool
	lastSync time.Time
	lastErr  error
}

// NewSyncer creates a Syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	s := &Syncer{
		servers:     cfg.Servers,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		requireSync: cfg.RequireSync,
		query:       cfg.Query,
		clock:       cfg.Clock,
	}
	if len(s.servers) == 0 {
		s.servers = DefaultServers
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.query == nil {
		s.query = QueryNTP
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// Now returns the local clock corrected by the last measured offset.
func (s *Syncer) Now() time.Time {
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()
	return s.clock().Add(offset)
}

// Valid reports whether tokens may be issued.
func (s *Syncer) Valid() bool {
	if s.requireSync && !s.Synced() {
		return false
	}
	return IsPlausible(s.Now())
}

// Synced reports whether at least one sync succeeded.
func (s *Syncer) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// Status is a snapshot for status reporting.
type Status struct {
	Synced    bool          `json:"synced"`
	Valid     bool          `json:"valid"`
	Offset    time.Duration `json:"offset_ns"`
	LastSync  time.Time     `json:"last_sync,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Status returns the current sync state.
func (s *Syncer) Status() Status {
	s.mu.RLock()
	st := Status{
		Synced:   s.synced,
		Offset:   s.offset,
		LastSync: s.lastSync,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()
	st.Valid = s.Valid()
	return st
}

// SyncNow tries every server in order and applies the first offset obtained.
func (s *Syncer) SyncNow(ctx context.Context) error {
	var lastErr error
	for _, server := range s.servers {
		if err := ctx.Err(); err != nil {
			return err
		}
		offset, err := s.query(server, s.timeout)
		if err != nil {
			log.Printf("[TimeSync] %v", err)
			lastErr = err
			continue
		}

		s.mu.Lock()
		s.offset = offset
		s.synced = true
		s.lastSync = s.clock()
		s.lastErr = nil
		s.mu.Unlock()

		metricSyncs.Add(ctx, 1)
		log.Printf("[TimeSync] Synchronized via %s, offset %v", server, offset)
		return nil
	}

	err := fmt.Errorf("all time servers failed: %w", lastErr)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	metricSyncFailures.Add(ctx, 1)
	return err
}

// Run syncs immediately and then every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	if err := s.SyncNow(ctx); err != nil {
		log.Printf("[TimeSync] Initial sync failed: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncNow(ctx); err != nil {
				log.Printf("[TimeSync] Periodic sync failed: %v", err)
			}
		}
	}
}
