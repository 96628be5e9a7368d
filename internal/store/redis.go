package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary SnapshotStore with a Redis read-through cache.
// Writes go to the primary store and then refresh the cache; reads check
// Redis first then fall back to the primary. Cache failures are logged and
// never fail the operation.
type CachedStore struct {
	primary SnapshotStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary SnapshotStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then cache) ---

func (s *CachedStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.primary.Save(ctx, key, data); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, snapshotKey(key), data, s.ttl).Err(); err != nil {
		slog.Warn("snapshot cache write failed", "key", key, "err", err)
		// A stale entry would shadow the primary; drop it.
		s.rdb.Del(ctx, snapshotKey(key))
	}
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if err := s.primary.Delete(ctx, key); err != nil {
		return err
	}
	s.rdb.Del(ctx, snapshotKey(key))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(key)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		slog.Warn("snapshot cache read failed", "key", key, "err", err)
	}

	// Cache miss: read from primary.
	data, err = s.primary.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, snapshotKey(key), data, s.ttl)
	return data, nil
}

func snapshotKey(key string) string { return fmt.Sprintf("snapshot:%s", key) }
