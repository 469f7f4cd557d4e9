package checkin

import (
	"context"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps check-ins in process memory. Used when no Redis address
// is configured and in tests; records are lost on restart.
type MemoryStore struct {
	records *ttlcache.Cache[string, *CheckIn]
	seen    *ttlcache.Cache[string, string]
}

// NewMemoryStore creates a MemoryStore whose records expire after retention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	s := &MemoryStore{
		records: ttlcache.New(
			ttlcache.WithTTL[string, *CheckIn](retention),
			ttlcache.WithDisableTouchOnHit[string, *CheckIn](),
		),
		seen: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}

	go s.records.Start()
	go s.seen.Start()

	return s
}

func (s *MemoryStore) Record(_ context.Context, c *CheckIn, dedupeKey string, dedupeTTL time.Duration) error {
	if _, found := s.seen.GetOrSet(dedupeKey, c.ID, ttlcache.WithTTL[string, string](dedupeTTL)); found {
		return ErrDuplicate
	}
	stored := *c
	s.records.Set(c.ID, &stored, ttlcache.DefaultTTL)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*CheckIn, error) {
	item := s.records.Get(id)
	if item == nil {
		return nil, ErrNotFound
	}
	c := *item.Value()
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context, device, limit int) ([]CheckIn, error) {
	out := []CheckIn{}
	for _, item := range s.records.Items() {
		if item.IsExpired() {
			continue
		}
		if c := item.Value(); c.DeviceIndex == device {
			out = append(out, *c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the expiry goroutines.
func (s *MemoryStore) Close() error {
	s.records.Stop()
	s.seen.Stop()
	return nil
}
