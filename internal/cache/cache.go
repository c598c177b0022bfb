// Package cache is the non-authoritative key/value layer in front of the
// durable store. Payloads travel as schema-tagged entries so a reader can
// tell an idempotency record from a snapshot without guessing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrSchemaMismatch = errors.New("cache: schema mismatch")
	ErrUnknownBackend = errors.New("cache: unknown backend")
)

// Schema tags used by this service.
const (
	SchemaIdempotency = "idempotency.v1"
	SchemaSnapshot    = "snapshot.v1"
)

// Entry is a tagged payload.
type Entry struct {
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// Cache is implemented by every backend. Get reports a miss as
// (Entry{}, false, nil); an error means the backend itself failed.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Evict(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Encode wraps v as an entry of the given schema.
func Encode(schema string, v any) (Entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("cache: encode %s: %w", schema, err)
	}
	return Entry{Schema: schema, Data: data}, nil
}

// Decode unpacks e into v after checking its schema.
func Decode(e Entry, schema string, v any) error {
	if e.Schema != schema {
		return fmt.Errorf("%w: want %s, got %s", ErrSchemaMismatch, schema, e.Schema)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("cache: decode %s: %w", schema, err)
	}
	return nil
}

// Config selects and sizes a backend.
type Config struct {
	Backend string // "redis" or "local"

	Redis  *redis.Client
	Prefix string

	LocalMaxTTL time.Duration // upper bound on any entry's lifetime
	LocalMaxMB  int
}

// New builds the backend named by cfg.Backend.
func New(cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("cache: redis backend requires a client")
		}
		return NewRedisCache(cfg.Redis, cfg.Prefix), nil
	case "", "local":
		ttl := cfg.LocalMaxTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		return NewLocalCache(ttl, cfg.LocalMaxMB)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
