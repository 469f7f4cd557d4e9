package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
)

func testCheckIn(device int, subject string, at time.Time) *CheckIn {
	info := token.TokenInfo{
		Valid:        true,
		Format:       token.FormatTimestamp,
		Timestamp:    uint64(at.Unix()),
		AccessMethod: token.MethodNFC,
		DeviceIndex:  device,
	}
	return NewCheckIn(info, subject, at)
}

func TestMemoryStoreRecordAndGet(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	c := testCheckIn(1, "alice", time.Unix(testNow, 0))
	if err := s.Record(ctx, c, "k1", time.Minute); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *c {
		t.Errorf("Get = %+v, want %+v", got, c)
	}

	// Returned records are copies.
	got.Subject = "mallory"
	again, _ := s.Get(ctx, c.ID)
	if again.Subject != "alice" {
		t.Error("mutating a returned record changed the store")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDedupe(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()
	now := time.Unix(testNow, 0)

	if err := s.Record(ctx, testCheckIn(1, "alice", now), "same", 50*time.Millisecond); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := s.Record(ctx, testCheckIn(1, "alice", now), "same", 50*time.Millisecond); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Record error = %v, want ErrDuplicate", err)
	}
	if err := s.Record(ctx, testCheckIn(1, "bob", now), "other", 50*time.Millisecond); err != nil {
		t.Errorf("different key Record: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := s.Record(ctx, testCheckIn(1, "alice", now), "same", 50*time.Millisecond); err != nil {
		t.Errorf("Record after dedupe expiry: %v", err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()
	base := time.Unix(testNow, 0)

	for i := 0; i < 5; i++ {
		c := testCheckIn(2, "u", base.Add(time.Duration(i)*time.Second))
		if err := s.Record(ctx, c, c.ID, time.Minute); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	other := testCheckIn(3, "u", base)
	if err := s.Record(ctx, other, other.ID, time.Minute); err != nil {
		t.Fatalf("Record: %v", err)
	}

	list, err := s.List(ctx, 2, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].RecordedAt.After(list[i-1].RecordedAt) {
			t.Error("List is not newest first")
		}
	}
	if !list[0].RecordedAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("newest = %v", list[0].RecordedAt)
	}

	empty, err := s.List(ctx, 9, 10)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("List(empty device) = %v, %v", empty, err)
	}
}

func TestMemoryStoreRetention(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(50 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	c := testCheckIn(1, "alice", time.Unix(testNow, 0))
	if err := s.Record(ctx, c, "k", time.Minute); err != nil {
		t.Fatalf("Record: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := s.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after retention error = %v, want ErrNotFound", err)
	}
	if list, _ := s.List(ctx, 1, 10); len(list) != 0 {
		t.Errorf("List after retention = %d records", len(list))
	}
}

func TestDedupeKey(t *testing.T) {
	t.Parallel()

	a := DedupeKey("tok", "alice")
	if a != DedupeKey("tok", "alice") {
		t.Error("DedupeKey is not deterministic")
	}
	if a == DedupeKey("tok", "bob") || a == DedupeKey("tok2", "alice") {
		t.Error("DedupeKey collides across inputs")
	}
	// field separator prevents boundary shifts
	if DedupeKey("ab", "c") == DedupeKey("a", "bc") {
		t.Error("DedupeKey ignores field boundaries")
	}
	if len(a) != 64 {
		t.Errorf("DedupeKey length = %d, want 64 hex chars", len(a))
	}
}

func TestNewCheckIn(t *testing.T) {
	t.Parallel()

	now := time.Unix(testNow, 0)
	win := NewCheckIn(token.TokenInfo{
		Valid:        true,
		Format:       token.FormatWindow,
		TimeWindow:   testNow / token.WindowDuration,
		TokenIndex:   2,
		AccessMethod: token.MethodWeb,
		DeviceIndex:  5,
	}, "zoe", now)

	if win.Format != "window" || win.TokenIndex != 2 || win.DeviceIndex != 5 {
		t.Errorf("window check-in = %+v", win)
	}
	if win.TokenTime.Unix() != (testNow/token.WindowDuration)*token.WindowDuration {
		t.Errorf("token time = %v", win.TokenTime)
	}
	if win.ID == NewCheckIn(token.TokenInfo{}, "zoe", now).ID {
		t.Error("check-in IDs must be unique")
	}
}
