package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/atmx/position-ledger/internal/metrics"
)

// LocalCache keeps entries in process memory using bigcache.
//
// bigcache only has a global life window, so each stored value carries its
// own deadline and Get treats anything past it as a miss.
type LocalCache struct {
	bc  *bigcache.BigCache
	now func() time.Time
}

type localItem struct {
	ExpiresAt int64 `json:"exp"` // unix nanos, 0: no deadline
	Entry     Entry `json:"entry"`
}

// NewLocalCache creates a cache whose entries never outlive maxTTL.
func NewLocalCache(maxTTL time.Duration, maxMB int) (*LocalCache, error) {
	cfg := bigcache.DefaultConfig(maxTTL)
	cfg.HardMaxCacheSize = maxMB
	cfg.CleanWindow = 5 * time.Minute
	cfg.Verbose = false

	bc, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: init bigcache: %w", err)
	}
	return &LocalCache{bc: bc, now: time.Now}, nil
}

func (c *LocalCache) Get(_ context.Context, key string) (Entry, bool, error) {
	raw, err := c.bc.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		metrics.CacheRequests.WithLabelValues("local", "miss").Inc()
		return Entry{}, false, nil
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues("local", "error").Inc()
		return Entry{}, false, err
	}

	var item localItem
	if err := json.Unmarshal(raw, &item); err != nil {
		metrics.CacheRequests.WithLabelValues("local", "error").Inc()
		return Entry{}, false, fmt.Errorf("cache: corrupt local entry %s: %w", key, err)
	}
	if item.ExpiresAt != 0 && c.now().UnixNano() >= item.ExpiresAt {
		_ = c.bc.Delete(key)
		metrics.CacheRequests.WithLabelValues("local", "miss").Inc()
		return Entry{}, false, nil
	}
	metrics.CacheRequests.WithLabelValues("local", "hit").Inc()
	return item.Entry, true, nil
}

func (c *LocalCache) Put(_ context.Context, key string, e Entry, ttl time.Duration) error {
	item := localItem{Entry: e}
	if ttl > 0 {
		item.ExpiresAt = c.now().Add(ttl).UnixNano()
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return c.bc.Set(key, raw)
}

func (c *LocalCache) Evict(_ context.Context, key string) error {
	if err := c.bc.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (c *LocalCache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

func (c *LocalCache) Close() error {
	return c.bc.Close()
}
