package checkin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// failPipelines makes the next n pipelines fail before reaching Redis.
type failPipelines struct {
	remaining atomic.Int32
}

func (h *failPipelines) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failPipelines) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failPipelines) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.remaining.Add(-1) >= 0 {
			return errors.New("connection reset")
		}
		return next(ctx, cmds)
	}
}

func newTestRedisStore(t *testing.T, retention time.Duration, hooks ...redis.Hook) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	for _, h := range hooks {
		rdb.AddHook(h)
	}
	s := NewRedisStoreFromClient(rdb, retention)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func sameCheckIn(a, b *CheckIn) bool {
	return a.ID == b.ID && a.DeviceIndex == b.DeviceIndex && a.Subject == b.Subject &&
		a.AccessMethod == b.AccessMethod && a.Format == b.Format &&
		a.TokenTime.Equal(b.TokenTime) && a.RecordedAt.Equal(b.RecordedAt)
}

func TestRedisStoreRecordAndGet(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	c := testCheckIn(1, "alice", time.Unix(testNow, 0))
	if err := s.Record(ctx, c, "k1", time.Minute); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ttl := mr.TTL(keyPrefixCheckIn + c.ID); ttl != time.Hour {
		t.Errorf("record TTL = %v, want retention", ttl)
	}
	if ttl := mr.TTL(keyPrefixSeen + "k1"); ttl != time.Minute {
		t.Errorf("dedupe TTL = %v, want 1m", ttl)
	}

	tests := []struct {
		name    string
		id      string
		want    *CheckIn
		wantErr error
	}{
		{"recorded", c.ID, c, nil},
		{"missing", "no-such-id", nil, ErrNotFound},
	}
	for _, tt := range tests {
		got, err := s.Get(ctx, tt.id)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: Get error = %v, want %v", tt.name, err, tt.wantErr)
			continue
		}
		if tt.want != nil && !sameCheckIn(got, tt.want) {
			t.Errorf("%s: Get = %+v, want %+v", tt.name, got, tt.want)
		}
	}

	mr.Set(keyPrefixCheckIn+"corrupt", "{not json")
	if _, err := s.Get(ctx, "corrupt"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("corrupt record error = %v, want an unmarshal error", err)
	}
}

func TestRedisStoreDedupe(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t, time.Hour)
	ctx := context.Background()
	at := time.Unix(testNow, 0)

	if err := s.Record(ctx, testCheckIn(1, "alice", at), "k1", time.Minute); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	dup := testCheckIn(1, "alice", at)
	if err := s.Record(ctx, dup, "k1", time.Minute); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Record error = %v, want ErrDuplicate", err)
	}
	if mr.Exists(keyPrefixCheckIn + dup.ID) {
		t.Error("duplicate should not be stored")
	}

	mr.FastForward(61 * time.Second)
	if err := s.Record(ctx, testCheckIn(1, "alice", at), "k1", time.Minute); err != nil {
		t.Errorf("Record after dedupe expiry: %v", err)
	}
}

func TestRedisStoreFailedWriteReleasesDedupe(t *testing.T) {
	t.Parallel()

	hook := &failPipelines{}
	s, mr := newTestRedisStore(t, time.Hour, hook)
	ctx := context.Background()

	hook.remaining.Store(1)
	c := testCheckIn(2, "bob", time.Unix(testNow, 0))
	if err := s.Record(ctx, c, "k2", time.Minute); err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("Record with failing transaction error = %v, want a store error", err)
	}
	if mr.Exists(keyPrefixSeen + "k2") {
		t.Error("dedupe marker should be released after a failed write")
	}
	if _, err := s.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed write left a record behind: %v", err)
	}

	retry := testCheckIn(2, "bob", time.Unix(testNow, 0))
	if err := s.Record(ctx, retry, "k2", time.Minute); err != nil {
		t.Fatalf("retry Record: %v", err)
	}
	if _, err := s.Get(ctx, retry.ID); err != nil {
		t.Errorf("retry was not stored: %v", err)
	}
}

func TestRedisStoreReleaseKeepsForeignMarker(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t, time.Hour)
	mr.Set(keyPrefixSeen+"k3", "other-check-in")

	s.release(context.Background(), "k3", "mine")
	if got, _ := mr.Get(keyPrefixSeen + "k3"); got != "other-check-in" {
		t.Errorf("marker = %q, release must only drop its own marker", got)
	}
}

func TestRedisStoreList(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t, time.Hour)
	ctx := context.Background()
	base := time.Unix(testNow, 0)

	var dev2 []*CheckIn
	for i, subject := range []string{"a", "b", "c", "d"} {
		c := testCheckIn(2, subject, base.Add(time.Duration(i)*time.Second))
		if err := s.Record(ctx, c, "list-"+subject, time.Minute); err != nil {
			t.Fatalf("Record %s: %v", subject, err)
		}
		dev2 = append(dev2, c)
	}
	if err := s.Record(ctx, testCheckIn(3, "z", base), "list-z", time.Minute); err != nil {
		t.Fatal(err)
	}

	// d expired between the index read and MGET
	mr.Del(keyPrefixCheckIn + dev2[3].ID)

	tests := []struct {
		name   string
		device int
		limit  int
		want   []string
	}{
		{"newest first", 2, 10, []string{"c", "b", "a"}},
		{"limit counts index entries", 2, 2, []string{"c"}},
		{"other device", 3, 10, []string{"z"}},
		{"empty device", 9, 10, []string{}},
	}
	for _, tt := range tests {
		got, err := s.List(ctx, tt.device, tt.limit)
		if err != nil {
			t.Fatalf("%s: List: %v", tt.name, err)
		}
		if got == nil {
			t.Errorf("%s: List should return an empty slice, not nil", tt.name)
		}
		subjects := make([]string, len(got))
		for i, c := range got {
			subjects[i] = c.Subject
		}
		if len(subjects) != len(tt.want) {
			t.Errorf("%s: List = %v, want %v", tt.name, subjects, tt.want)
			continue
		}
		for i := range subjects {
			if subjects[i] != tt.want[i] {
				t.Errorf("%s: List = %v, want %v", tt.name, subjects, tt.want)
				break
			}
		}
	}
}

func TestRedisStoreRetentionTrim(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t, time.Hour)
	ctx := context.Background()
	base := time.Unix(testNow, 0)

	old := testCheckIn(5, "early", base)
	if err := s.Record(ctx, old, "trim-early", time.Minute); err != nil {
		t.Fatal(err)
	}
	fresh := testCheckIn(5, "late", base.Add(2*time.Hour))
	if err := s.Record(ctx, fresh, "trim-late", time.Minute); err != nil {
		t.Fatal(err)
	}

	ids, err := s.rdb.ZRange(ctx, deviceIndexKey(5), 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	if len(ids) != 1 || ids[0] != fresh.ID {
		t.Errorf("index = %v, want only %s", ids, fresh.ID)
	}
}

func TestRedisStorePing(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t, time.Hour)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.SetError("LOADING dataset in memory")
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping should fail while the server reports an error")
	}
}
