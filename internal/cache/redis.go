package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/atmx/position-ledger/internal/metrics"
)

// RedisCache stores entries in Redis behind a circuit breaker. While the
// breaker is open every call fails fast and callers fall back to the
// durable store.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	cb     *gobreaker.CircuitBreaker
}

// NewRedisCache wraps an existing client. prefix namespaces every key.
func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-cache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	})
	return &RedisCache{rdb: rdb, prefix: prefix, cb: cb}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	defer func() {
		metrics.CacheLatency.WithLabelValues("redis", "get").Observe(time.Since(start).Seconds())
	}()

	// A miss is not a failure as far as the breaker is concerned.
	res, err := c.cb.Execute(func() (interface{}, error) {
		data, err := c.rdb.Get(ctx, c.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		metrics.CacheRequests.WithLabelValues("redis", "error").Inc()
		return Entry{}, false, err
	}
	data, _ := res.([]byte)
	if data == nil {
		metrics.CacheRequests.WithLabelValues("redis", "miss").Inc()
		return Entry{}, false, nil
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		metrics.CacheRequests.WithLabelValues("redis", "error").Inc()
		return Entry{}, false, fmt.Errorf("cache: corrupt redis entry %s: %w", key, err)
	}
	metrics.CacheRequests.WithLabelValues("redis", "hit").Inc()
	return e, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		metrics.CacheLatency.WithLabelValues("redis", "put").Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = c.cb.Execute(func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, c.key(key), data, ttl).Err()
	})
	return err
}

func (c *RedisCache) Evict(ctx context.Context, key string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, c.key(key)).Err()
	})
	return err
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		n, err := c.rdb.Exists(ctx, c.key(key)).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Close is a no-op: the client belongs to whoever created it.
func (c *RedisCache) Close() error {
	return nil
}
