package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/cache"
	"github.com/atmx/position-ledger/internal/contract"
	"github.com/atmx/position-ledger/internal/history"
	"github.com/atmx/position-ledger/internal/idempotency"
	"github.com/atmx/position-ledger/internal/lots"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/store"
	"github.com/atmx/position-ledger/internal/validate"
)

const key = "ACC1|AAPL"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type harness struct {
	engine    *Engine
	store     *store.MemoryStore
	guard     *idempotency.Guard
	contracts *contract.Provider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith builds an engine over a memory store; wrap may replace the
// store the engine sees.
func newHarnessWith(t *testing.T, wrap func(*store.MemoryStore) store.Store) *harness {
	t.Helper()

	c, err := cache.NewLocalCache(time.Hour, 8)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	mem := store.NewMemoryStore()
	var s store.Store = mem
	if wrap != nil {
		s = wrap(mem)
	}

	contracts := contract.NewProvider(contract.Rules{Method: lots.FIFO, MaxPrice: d(1000000)}, nil, nil)
	if err := contracts.Set(contract.Rules{ContractID: "C-LIFO", Method: lots.LIFO}); err != nil {
		t.Fatalf("set rules: %v", err)
	}

	guard := idempotency.New(c, s, time.Hour, nil)
	e := NewEngine(Deps{
		Store:     s,
		Guard:     guard,
		Validator: validate.New(func() time.Time { return model.MustDate("2024-06-15") }),
		Contracts: contracts,
		Recorder:  history.NewRecorder(s, nil),
	}, Config{})
	return &harness{engine: e, store: mem, guard: guard, contracts: contracts}
}

func trade(id string, tt model.TradeType, qty, price float64, date string) model.TradeEvent {
	return model.TradeEvent{
		TradeID:       id,
		PositionKey:   key,
		TradeType:     tt,
		Quantity:      d(qty),
		Price:         d(price),
		EffectiveDate: model.MustDate(date),
		Account:       "ACC1",
		Instrument:    "AAPL",
		Currency:      "USD",
	}
}

func (h *harness) mustApply(t *testing.T, ev model.TradeEvent) Result {
	t.Helper()
	res, err := h.engine.Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.TradeID, err)
	}
	return res
}

func lotIDs(s *model.PositionSnapshot) []string {
	ids := make([]string, len(s.OpenLots))
	for i, l := range s.OpenLots {
		ids[i] = l.LotID
	}
	return ids
}

func changeTypes(recs []model.UPIHistoryRecord) []model.ChangeType {
	out := make([]model.ChangeType, len(recs))
	for i, r := range recs {
		out[i] = r.ChangeType
	}
	return out
}

func TestApply_LifecycleAndHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.mustApply(t, trade("T1", model.TradeNew, 10, 50, "2024-01-01"))
	if res.Snapshot.Status != model.StatusActive || res.Snapshot.Version != 1 {
		t.Fatalf("after NEW: status %s version %d", res.Snapshot.Status, res.Snapshot.Version)
	}
	upi := res.Snapshot.UPI
	if upi != model.UPIFor(key) {
		t.Errorf("upi = %s, want derived %s", upi, model.UPIFor(key))
	}

	h.mustApply(t, trade("T2", model.TradeIncrease, 5, 55, "2024-01-02"))
	res = h.mustApply(t, trade("T3", model.TradeDecrease, 15, 60, "2024-01-03"))
	if res.Snapshot.Status != model.StatusTerminated {
		t.Fatalf("status = %s, want TERMINATED", res.Snapshot.Status)
	}
	if len(res.Snapshot.OpenLots) != 0 {
		t.Errorf("open lots = %v, want none", lotIDs(res.Snapshot))
	}
	if res.Allocation == nil || !res.Allocation.TotalAllocatedQty.Equal(d(15)) {
		t.Errorf("allocation = %+v", res.Allocation)
	}

	// INCREASE on a terminated position is a business rejection.
	_, err := h.engine.Apply(ctx, trade("T4", model.TradeIncrease, 1, 50, "2024-01-04"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	res = h.mustApply(t, trade("T5", model.TradeNew, 3, 70, "2024-01-05"))
	if res.Snapshot.Status != model.StatusActive || res.Snapshot.UPI != upi {
		t.Errorf("after reopen: status %s upi %s", res.Snapshot.Status, res.Snapshot.UPI)
	}
	if res.Snapshot.Version != 4 {
		t.Errorf("version = %d, want 4", res.Snapshot.Version)
	}

	hist, err := h.store.ListHistory(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.ChangeType{model.ChangeCreated, model.ChangeTerminated, model.ChangeReopened}
	if got := changeTypes(hist); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("history = %v, want %v", got, want)
	}
	if hist[1].TriggeringTradeID != "T3" || hist[1].PreviousStatus != model.StatusActive {
		t.Errorf("termination record = %+v", hist[1])
	}
}

func TestApply_DuplicateIsNoop(t *testing.T) {
	h := newHarness(t)
	ev := trade("T1", model.TradeNew, 10, 50, "2024-01-01")

	h.mustApply(t, ev)
	res := h.mustApply(t, ev)
	if !res.Duplicate {
		t.Fatal("second apply should be a duplicate")
	}
	if res.Snapshot.Version != 1 {
		t.Errorf("version = %d, want 1", res.Snapshot.Version)
	}

	events, _ := h.store.ListFrom(context.Background(), key, time.Time{})
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestApply_FailedTradeCanBeRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inc := trade("T2", model.TradeIncrease, 5, 50, "2024-01-02")

	_, err := h.engine.Apply(ctx, inc)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "Only NEW_TRADE allowed on non-existent position") {
		t.Errorf("error = %q", verr.Error())
	}
	rec, _ := h.store.IdempotencyRecord(ctx, "T2")
	if rec == nil || rec.Status != model.IdempotencyFailed {
		t.Fatalf("idempotency record = %+v, want FAILED", rec)
	}

	h.mustApply(t, trade("T1", model.TradeNew, 10, 50, "2024-01-01"))
	res := h.mustApply(t, inc)
	if res.Duplicate || res.Snapshot.Version != 2 {
		t.Errorf("retry: duplicate=%v version=%d", res.Duplicate, res.Snapshot.Version)
	}
	if !res.Snapshot.TotalQty().Equal(d(15)) {
		t.Errorf("qty = %s, want 15", res.Snapshot.TotalQty())
	}
}

func TestApply_ValidationCollectsAllErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Apply(context.Background(), model.TradeEvent{TradeType: "SWAP", Quantity: d(-1)})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Errors) < 4 {
		t.Errorf("errors = %v, want at least 4", verr.Errors)
	}
}

func TestApply_ListedContractStillHitsGlobalPriceCap(t *testing.T) {
	h := newHarness(t)

	ev := trade("T1", model.TradeNew, 10, 5000000, "2024-01-01")
	ev.ContractID = "C-LIFO"
	_, err := h.engine.Apply(context.Background(), ev)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Errors) != 1 || verr.Errors[0] != "price exceeds maximum of 1000000" {
		t.Errorf("errors = %v", verr.Errors)
	}
	if snap, _ := h.store.Snapshot(context.Background(), key); snap != nil {
		t.Errorf("expected no position, got version %d", snap.Version)
	}
}

func TestApply_InsufficientQuantity(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, trade("T1", model.TradeNew, 10, 50, "2024-01-01"))

	_, err := h.engine.Apply(context.Background(), trade("T2", model.TradeDecrease, 11, 50, "2024-01-02"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Errors[0] != "insufficient quantity: requested 11, available 10" {
		t.Errorf("error = %q", verr.Errors[0])
	}
	snap, _ := h.store.Snapshot(context.Background(), key)
	if snap.Version != 1 || !snap.TotalQty().Equal(d(10)) {
		t.Errorf("snapshot changed: version %d qty %s", snap.Version, snap.TotalQty())
	}
}

func TestApply_TerminationTolerance(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.TerminationTolerance = d(0.001)

	h.mustApply(t, trade("T1", model.TradeNew, 10, 50, "2024-01-01"))
	res := h.mustApply(t, trade("T2", model.TradeDecrease, 9.9995, 50, "2024-01-02"))
	if res.Snapshot.Status != model.StatusTerminated || len(res.Snapshot.OpenLots) != 0 {
		t.Errorf("status %s lots %v, want TERMINATED with no lots", res.Snapshot.Status, lotIDs(res.Snapshot))
	}
}

func TestApply_SameDateIsNotBackdated(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, trade("T1", model.TradeNew, 10, 50, "2024-03-01"))
	res := h.mustApply(t, trade("T2", model.TradeIncrease, 5, 50, "2024-03-01"))
	if res.Replayed {
		t.Error("same-date trade should apply without replay")
	}
}

// conflictStore loses every commit race.
type conflictStore struct {
	*store.MemoryStore
	commits atomic.Int32
}

func (s *conflictStore) Commit(context.Context, *store.Commit) error {
	s.commits.Add(1)
	return store.ErrVersionConflict
}

func TestApply_RetriesExhausted(t *testing.T) {
	var cs *conflictStore
	h := newHarnessWith(t, func(m *store.MemoryStore) store.Store {
		cs = &conflictStore{MemoryStore: m}
		return cs
	})
	ctx := context.Background()

	_, err := h.engine.Apply(ctx, trade("T1", model.TradeNew, 10, 50, "2024-01-01"))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("err = %v should wrap the version conflict", err)
	}
	if n := cs.commits.Load(); n != 3 {
		t.Errorf("commits = %d, want 3", n)
	}
	if done, _ := h.guard.IsProcessed(ctx, "T1"); done {
		t.Error("trade must not be marked processed")
	}
}

// flakyStore loses the first n commit races.
type flakyStore struct {
	*store.MemoryStore
	fail atomic.Int32
}

func (s *flakyStore) Commit(ctx context.Context, c *store.Commit) error {
	if s.fail.Add(-1) >= 0 {
		return store.ErrVersionConflict
	}
	return s.MemoryStore.Commit(ctx, c)
}

func TestApply_RetriesAfterConflict(t *testing.T) {
	h := newHarnessWith(t, func(m *store.MemoryStore) store.Store {
		fs := &flakyStore{MemoryStore: m}
		fs.fail.Store(2)
		return fs
	})

	res := h.mustApply(t, trade("T1", model.TradeNew, 10, 50, "2024-01-01"))
	if res.Snapshot.Version != 1 {
		t.Errorf("version = %d, want 1", res.Snapshot.Version)
	}
}

func TestApply_CancelledContextCommitsNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.engine.Apply(ctx, trade("T1", model.TradeNew, 10, 50, "2024-01-01")); err == nil {
		t.Fatal("expected an error")
	}
	if snap, _ := h.store.Snapshot(context.Background(), key); snap != nil {
		t.Errorf("snapshot = %+v, want none", snap)
	}
}

func TestApply_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, trade("T0", model.TradeNew, 1, 50, "2024-01-01"))

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := trade(fmt.Sprintf("T%d", i+1), model.TradeIncrease, 1, 50, "2024-01-02")
			if _, err := h.engine.Apply(context.Background(), ev); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("apply: %v", err)
	}

	snap, _ := h.store.Snapshot(context.Background(), key)
	if snap.Version != n+1 {
		t.Errorf("version = %d, want %d", snap.Version, n+1)
	}
	if !snap.TotalQty().Equal(d(n + 1)) {
		t.Errorf("qty = %s, want %d", snap.TotalQty(), n+1)
	}
}

func TestApply_ConcurrentDistinctKeys(t *testing.T) {
	h := newHarness(t)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := trade(fmt.Sprintf("N%d", i), model.TradeNew, 10, 50, "2024-01-01")
			ev.PositionKey = fmt.Sprintf("ACC%d|AAPL", i)
			if _, err := h.engine.Apply(context.Background(), ev); err != nil {
				t.Errorf("apply %s: %v", ev.TradeID, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		snap, _ := h.store.Snapshot(context.Background(), fmt.Sprintf("ACC%d|AAPL", i))
		if snap == nil || snap.Version != 1 {
			t.Errorf("position %d: %+v", i, snap)
		}
	}
}
