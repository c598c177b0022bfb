// Package idempotency decides whether a trade id has already been applied.
//
// Lookups go cache first, then the durable store, backfilling the cache on a
// durable hit. The durable store is authoritative; a failing cache degrades
// to store-only lookups and is never fatal.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/position-ledger/internal/cache"
	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/store"
)

const keyPrefix = "idempotency:trade:"

// Guard is the two-tier idempotency check.
type Guard struct {
	cache  cache.Cache
	store  store.IdempotencyStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New creates a guard. ttl bounds how long a record stays in the cache.
func New(c cache.Cache, s store.IdempotencyStore, ttl time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cache: c, store: s, ttl: ttl, now: time.Now, logger: logger}
}

// Key returns the idempotency key of ev: its trade id, or a digest of the
// position key and effective date when the id is missing.
func Key(ev model.TradeEvent) string {
	if ev.TradeID != "" {
		return ev.TradeID
	}
	sum := sha256.Sum256([]byte(ev.PositionKey + "|" + ev.EffectiveDate.Format(model.DateLayout)))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the finalized record for key, or nil.
func (g *Guard) Lookup(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	e, ok, err := g.cache.Get(ctx, keyPrefix+key)
	switch {
	case err != nil:
		metrics.IdempotencyDegraded.Inc()
		g.logger.Warn("idempotency cache read failed, using store", "key", key, "err", err)
	case ok:
		var rec model.IdempotencyRecord
		if err := cache.Decode(e, cache.SchemaIdempotency, &rec); err == nil {
			return &rec, nil
		}
		g.logger.Warn("discarding undecodable idempotency entry", "key", key)
	}

	rec, err := g.store.IdempotencyRecord(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup %s: %w", key, err)
	}
	if rec != nil {
		g.Remember(ctx, *rec)
	}
	return rec, nil
}

// IsProcessed reports whether key has a PROCESSED record. A FAILED record
// allows a retry.
func (g *Guard) IsProcessed(ctx context.Context, key string) (bool, error) {
	rec, err := g.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status == model.IdempotencyProcessed, nil
}

// Processed builds the PROCESSED record for ev at version, for inclusion in
// an atomic commit.
func (g *Guard) Processed(ev model.TradeEvent, version int64) model.IdempotencyRecord {
	return model.IdempotencyRecord{
		IdempotencyKey: Key(ev),
		TradeID:        ev.TradeID,
		PositionKey:    ev.PositionKey,
		EventVersion:   version,
		Status:         model.IdempotencyProcessed,
		ProcessedAt:    g.now().UTC(),
		CorrelationID:  ev.CorrelationID,
	}
}

// MarkProcessed durably records ev as applied at version and caches it.
func (g *Guard) MarkProcessed(ctx context.Context, ev model.TradeEvent, version int64) error {
	rec := g.Processed(ev, version)
	if err := g.store.SaveIdempotency(ctx, &rec); err != nil {
		return fmt.Errorf("mark processed %s: %w", rec.IdempotencyKey, err)
	}
	g.Remember(ctx, rec)
	return nil
}

// MarkFailed records ev as rejected so a corrected resubmission may retry.
// It never downgrades a PROCESSED record.
func (g *Guard) MarkFailed(ctx context.Context, ev model.TradeEvent, reason string) error {
	rec := model.IdempotencyRecord{
		IdempotencyKey: Key(ev),
		TradeID:        ev.TradeID,
		PositionKey:    ev.PositionKey,
		Status:         model.IdempotencyFailed,
		Reason:         reason,
		ProcessedAt:    g.now().UTC(),
		CorrelationID:  ev.CorrelationID,
	}
	err := g.store.SaveIdempotency(ctx, &rec)
	if errors.Is(err, store.ErrAlreadyProcessed) {
		g.logger.Warn("not downgrading processed trade", "key", rec.IdempotencyKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", rec.IdempotencyKey, err)
	}
	g.Remember(ctx, rec)
	return nil
}

// Remember writes rec to the cache only. Failures are logged and counted.
func (g *Guard) Remember(ctx context.Context, rec model.IdempotencyRecord) {
	e, err := cache.Encode(cache.SchemaIdempotency, rec)
	if err != nil {
		return
	}
	if err := g.cache.Put(ctx, keyPrefix+rec.IdempotencyKey, e, g.ttl); err != nil {
		metrics.IdempotencyDegraded.Inc()
		g.logger.Warn("idempotency cache write failed", "key", rec.IdempotencyKey, "err", err)
	}
}
