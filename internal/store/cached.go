package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/position-ledger/internal/cache"
	"github.com/atmx/position-ledger/internal/model"
)

// CachedStore wraps a primary Store with a read-through snapshot cache.
// Writes go to the primary store and then refresh the cache; reads check the
// cache first then fall back to the primary. A stale cached snapshot can
// only cost a version conflict, which evicts it.
type CachedStore struct {
	Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: primary, cache: c, ttl: ttl, logger: logger}
}

func (s *CachedStore) Snapshot(ctx context.Context, positionKey string) (*model.PositionSnapshot, error) {
	if e, ok, err := s.cache.Get(ctx, snapshotKey(positionKey)); err == nil && ok {
		var snap model.PositionSnapshot
		if cache.Decode(e, cache.SchemaSnapshot, &snap) == nil {
			return &snap, nil
		}
	} else if err != nil {
		s.logger.Warn("snapshot cache read failed", "position_key", positionKey, "err", err)
	}

	// Cache miss: read from primary.
	snap, err := s.Store.Snapshot(ctx, positionKey)
	if err != nil || snap == nil {
		return snap, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) Commit(ctx context.Context, c *Commit) error {
	if err := s.Store.Commit(ctx, c); err != nil {
		if errors.Is(err, ErrVersionConflict) && c != nil && c.Snapshot != nil {
			// Whatever we served was stale; next read goes to the primary.
			_ = s.cache.Evict(ctx, snapshotKey(c.Snapshot.PositionKey))
		}
		return err
	}
	s.cacheSnapshot(ctx, c.Snapshot)
	return nil
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.PositionSnapshot) {
	e, err := cache.Encode(cache.SchemaSnapshot, snap)
	if err != nil {
		return
	}
	if err := s.cache.Put(ctx, snapshotKey(snap.PositionKey), e, s.ttl); err != nil {
		s.logger.Warn("snapshot cache write failed", "position_key", snap.PositionKey, "err", err)
	}
}

func snapshotKey(positionKey string) string { return "snapshot:" + positionKey }
