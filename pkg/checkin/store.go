package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixCheckIn = "tb:checkin:"    // check-in JSON by ID
	keyPrefixSeen    = "tb:seen:"       // dedupe marker by DedupeKey
	keyIndexDevice   = "tb:idx:device:" // ZSET of check-in IDs per device, scored by RecordedAt

	releaseTimeout = 2 * time.Second
)

// Store persists check-ins.
type Store interface {
	// Record stores c unless dedupeKey was recorded within dedupeTTL, in
	// which case it returns ErrDuplicate.
	Record(ctx context.Context, c *CheckIn, dedupeKey string, dedupeTTL time.Duration) error
	Get(ctx context.Context, id string) (*CheckIn, error)
	// List returns a device's most recent check-ins, newest first.
	List(ctx context.Context, device, limit int) ([]CheckIn, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore keeps check-ins in Redis. Records and the per-device index
// expire after the retention period.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr string, retention time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreFromClient(rdb, retention), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retention}
}

func deviceIndexKey(device int) string {
	return keyIndexDevice + strconv.Itoa(device)
}

// Record claims the dedupe marker with SETNX, then writes the record and
// its index entry in one transaction. When the transaction fails the marker
// is released again so a retry is not reported as a duplicate.
func (s *RedisStore) Record(ctx context.Context, c *CheckIn, dedupeKey string, dedupeTTL time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal check-in: %w", err)
	}

	fresh, err := s.rdb.SetNX(ctx, keyPrefixSeen+dedupeKey, c.ID, dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("dedupe check-in: %w", err)
	}
	if !fresh {
		return ErrDuplicate
	}

	idx := deviceIndexKey(c.DeviceIndex)
	cutoff := c.RecordedAt.Add(-s.retention)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyPrefixCheckIn+c.ID, data, s.retention)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(c.RecordedAt.UnixNano()), Member: c.ID})
	pipe.ZRemRangeByScore(ctx, idx, "-inf", "("+strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.Expire(ctx, idx, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		s.release(ctx, dedupeKey, c.ID)
		return fmt.Errorf("store check-in: %w", err)
	}
	return nil
}

// release drops a dedupe marker still owned by id. It runs on its own
// deadline since the request context may be what failed the write.
func (s *RedisStore) release(ctx context.Context, dedupeKey, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	key := keyPrefixSeen + dedupeKey
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != id {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		log.Printf("[Store] Failed to release dedupe marker for check-in %s: %v", id, err)
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*CheckIn, error) {
	data, err := s.rdb.Get(ctx, keyPrefixCheckIn+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get check-in: %w", err)
	}
	var c CheckIn
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal check-in: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) List(ctx context.Context, device, limit int) ([]CheckIn, error) {
	ids, err := s.rdb.ZRevRange(ctx, deviceIndexKey(device), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list check-in IDs: %w", err)
	}
	if len(ids) == 0 {
		return []CheckIn{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefixCheckIn + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get check-ins: %w", err)
	}

	out := make([]CheckIn, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// expired between ZREVRANGE and MGET
			continue
		}
		var c CheckIn
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
