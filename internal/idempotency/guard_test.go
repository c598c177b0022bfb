package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/cache"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/store"
)

// brokenCache fails every operation.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errors.New("connection refused")
}
func (brokenCache) Put(context.Context, string, cache.Entry, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenCache) Evict(context.Context, string) error { return errors.New("connection refused") }
func (brokenCache) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenCache) Close() error { return nil }

func newGuard(t *testing.T) (*Guard, *cache.LocalCache, *store.MemoryStore) {
	t.Helper()
	c, err := cache.NewLocalCache(time.Hour, 8)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	s := store.NewMemoryStore()
	return New(c, s, time.Minute, nil), c, s
}

func trade(id string) model.TradeEvent {
	return model.TradeEvent{
		TradeID:       id,
		PositionKey:   "ACC1|AAPL",
		TradeType:     model.TradeNew,
		Quantity:      decimal.NewFromInt(10),
		Price:         decimal.NewFromInt(50),
		EffectiveDate: model.MustDate("2024-01-01"),
	}
}

func TestKey(t *testing.T) {
	if got := Key(trade("T1")); got != "T1" {
		t.Errorf("expected trade id as key, got %s", got)
	}

	a := trade("")
	b := trade("")
	if Key(a) != Key(b) || len(Key(a)) != 64 {
		t.Errorf("fallback key must be a stable sha256 hex, got %s", Key(a))
	}
	b.EffectiveDate = model.MustDate("2024-01-02")
	if Key(a) == Key(b) {
		t.Error("different dates must give different keys")
	}
}

func TestGuard_ProcessedBlocks(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuard(t)

	if done, err := g.IsProcessed(ctx, "T1"); done || err != nil {
		t.Fatalf("fresh key: done=%v err=%v", done, err)
	}
	if err := g.MarkProcessed(ctx, trade("T1"), 1); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if done, _ := g.IsProcessed(ctx, "T1"); !done {
		t.Error("expected PROCESSED to block")
	}
}

func TestGuard_FailedAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g, _, s := newGuard(t)

	if err := g.MarkFailed(ctx, trade("T1"), "quantity must be greater than zero"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if done, _ := g.IsProcessed(ctx, "T1"); done {
		t.Error("FAILED must allow a retry")
	}
	rec, _ := s.IdempotencyRecord(ctx, "T1")
	if rec == nil || rec.Status != model.IdempotencyFailed || rec.Reason == "" {
		t.Errorf("expected durable FAILED record with reason, got %+v", rec)
	}
}

func TestGuard_FailedNeverDowngradesProcessed(t *testing.T) {
	ctx := context.Background()
	g, _, s := newGuard(t)

	if err := g.MarkProcessed(ctx, trade("T1"), 4); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := g.MarkFailed(ctx, trade("T1"), "late failure"); err != nil {
		t.Fatalf("mark failed should be a silent no-op, got %v", err)
	}
	rec, _ := s.IdempotencyRecord(ctx, "T1")
	if rec.Status != model.IdempotencyProcessed || rec.EventVersion != 4 {
		t.Errorf("record was downgraded: %+v", rec)
	}
	if done, _ := g.IsProcessed(ctx, "T1"); !done {
		t.Error("cache must still report PROCESSED")
	}
}

func TestGuard_StoreHitBackfillsCache(t *testing.T) {
	ctx := context.Background()
	g, c, s := newGuard(t)

	rec := model.IdempotencyRecord{IdempotencyKey: "T9", TradeID: "T9", Status: model.IdempotencyProcessed}
	if err := s.SaveIdempotency(ctx, &rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, _ := c.Exists(ctx, keyPrefix+"T9"); ok {
		t.Fatal("cache should start empty")
	}

	if done, _ := g.IsProcessed(ctx, "T9"); !done {
		t.Fatal("expected durable hit")
	}
	if ok, _ := c.Exists(ctx, keyPrefix+"T9"); !ok {
		t.Error("expected durable hit to backfill the cache")
	}
}

func TestGuard_DegradedCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	g := New(brokenCache{}, s, time.Minute, nil)

	if err := g.MarkProcessed(ctx, trade("T1"), 1); err != nil {
		t.Fatalf("cache failure must not be fatal: %v", err)
	}
	done, err := g.IsProcessed(ctx, "T1")
	if err != nil || !done {
		t.Errorf("expected store fallback to find T1, done=%v err=%v", done, err)
	}
}
