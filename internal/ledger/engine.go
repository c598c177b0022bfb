// Package ledger applies trade events to positions.
//
// Every operation on a position key runs under that key's lock and commits
// through a single atomic store write guarded by the snapshot version. A
// version conflict reloads the snapshot and retries from scratch, a bounded
// number of times. Events dated before a position's high-water mark are
// applied by rebuilding the position from its last checkpoint.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/contract"
	"github.com/atmx/position-ledger/internal/history"
	"github.com/atmx/position-ledger/internal/idempotency"
	"github.com/atmx/position-ledger/internal/lock"
	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/publish"
	"github.com/atmx/position-ledger/internal/store"
	"github.com/atmx/position-ledger/internal/validate"
)

// RuleSource resolves a contract's trading rules without blocking.
type RuleSource interface {
	Rules(contractID string) contract.Rules
}

// Config tunes the engine.
type Config struct {
	// MaxAttempts bounds commits per event when versions conflict.
	MaxAttempts int

	// TerminationTolerance is the largest remaining quantity that still
	// counts as flat. Zero means exact zero.
	TerminationTolerance decimal.Decimal
}

// Deps are the engine's collaborators. Publisher and Logger may be nil.
type Deps struct {
	Store     store.Store
	Guard     *idempotency.Guard
	Validator *validate.Validator
	Contracts RuleSource
	Recorder  *history.Recorder
	Locker    lock.Locker
	Publisher publish.Publisher
	Logger    *slog.Logger
}

// Engine is the ledger apply pipeline.
type Engine struct {
	store     store.Store
	guard     *idempotency.Guard
	validator *validate.Validator
	contracts RuleSource
	recorder  *history.Recorder
	locker    lock.Locker
	publisher publish.Publisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewEngine wires an engine from its dependencies.
func NewEngine(d Deps, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TerminationTolerance.IsNegative() {
		cfg.TerminationTolerance = decimal.Zero
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locker == nil {
		d.Locker = lock.NewKeyedMutex()
	}
	return &Engine{
		store:     d.Store,
		guard:     d.Guard,
		validator: d.Validator,
		contracts: d.Contracts,
		recorder:  d.Recorder,
		locker:    d.Locker,
		publisher: d.Publisher,
		logger:    d.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Result is the outcome of a successful Apply.
type Result struct {
	Snapshot   *model.PositionSnapshot    `json:"snapshot"`
	Duplicate  bool                       `json:"duplicate"`
	Replayed   bool                       `json:"replayed"`
	Allocation *model.LotAllocationResult `json:"allocation,omitempty"`
	History    []model.UPIHistoryRecord   `json:"history,omitempty"`
}

// Update is the payload published after each commit.
type Update struct {
	PositionKey string                   `json:"position_key"`
	TradeID     string                   `json:"trade_id,omitempty"`
	Version     int64                    `json:"version"`
	Status      model.Status             `json:"status"`
	Replayed    bool                     `json:"replayed"`
	Snapshot    *model.PositionSnapshot  `json:"snapshot"`
	History     []model.UPIHistoryRecord `json:"history,omitempty"`
	At          time.Time                `json:"at"`
}

// Apply processes one trade event. A duplicate of an applied trade returns
// the current snapshot with Duplicate set. Business-rule failures return a
// *ValidationError; the trade is then recorded FAILED and may be retried.
func (e *Engine) Apply(ctx context.Context, ev model.TradeEvent) (Result, error) {
	start := time.Now()
	ev.EffectiveDate = model.Day(ev.EffectiveDate)

	res, err := e.apply(ctx, ev)

	outcome := "applied"
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	case res.Duplicate:
		outcome = "duplicate"
	}
	metrics.TradesTotal.WithLabelValues(string(ev.TradeType), outcome).Inc()
	metrics.ApplyLatency.WithLabelValues(string(ev.TradeType)).Observe(time.Since(start).Seconds())
	return res, err
}

func (e *Engine) apply(ctx context.Context, ev model.TradeEvent) (Result, error) {
	if ev.PositionKey == "" {
		// Nothing to lock or load; the validator reports the missing key.
		res := e.validator.Validate(ev, nil, e.rulesFor(ev, nil))
		return Result{}, e.reject(ctx, ev, &ValidationError{TradeID: ev.TradeID, Errors: res.Errors})
	}

	unlock, err := e.locker.Lock(ctx, ev.PositionKey)
	if err != nil {
		return Result{}, fmt.Errorf("lock %s: %w", ev.PositionKey, err)
	}
	defer unlock()

	// 1. Idempotency.
	done, err := e.guard.IsProcessed(ctx, idempotency.Key(ev))
	if err != nil {
		return Result{}, err
	}
	if done {
		return e.duplicate(ctx, ev)
	}

	var res Result
	err = e.withRetry(ctx, ev.PositionKey, func() error {
		var err error
		res, err = e.attempt(ctx, ev)
		return err
	})
	if errors.Is(err, store.ErrAlreadyProcessed) {
		return e.duplicate(ctx, ev)
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return Result{}, e.reject(ctx, ev, verr)
	}
	return res, err
}

// attempt is one pass of steps 2 to 9 against a freshly loaded snapshot.
func (e *Engine) attempt(ctx context.Context, ev model.TradeEvent) (Result, error) {
	// 2. Load.
	current, err := e.store.Snapshot(ctx, ev.PositionKey)
	if err != nil {
		return Result{}, err
	}

	// 3. Backdated?
	if current != nil && !ev.EffectiveDate.IsZero() && ev.EffectiveDate.Before(current.HighWaterMark) {
		return e.replayWith(ctx, current, ev)
	}

	// 4-5. Validate, allocate, transition.
	st, errs := e.compute(current, ev, true)
	if errs != nil {
		return Result{}, &ValidationError{TradeID: ev.TradeID, Errors: errs}
	}

	next := st.next
	var expected, seq int64
	if current != nil {
		expected, seq = current.Version, current.LastSequence
	}
	now := e.now().UTC()
	next.Version = expected + 1
	next.LastSequence = seq + 1
	next.UpdatedAt = now

	var hist []model.UPIHistoryRecord
	if st.change != model.ChangeNone {
		rec, err := e.recorder.Entry(history.Change{
			PositionKey:       next.PositionKey,
			UPI:               next.UPI,
			Status:            next.Status,
			PreviousStatus:    st.prev,
			Type:              st.change,
			TriggeringTradeID: ev.TradeID,
			EffectiveDate:     ev.EffectiveDate,
		})
		if err != nil {
			return Result{}, err
		}
		hist = append(hist, rec)
	}

	idem := e.guard.Processed(ev, next.Version)
	c := &store.Commit{
		Snapshot:        next,
		ExpectedVersion: expected,
		Events:          []model.EventRecord{{TradeEvent: ev, Sequence: next.LastSequence, RecordedAt: now}},
		History:         hist,
		Idempotency:     &idem,
	}

	// Nothing durable has happened yet; honour cancellation here.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := e.store.Commit(ctx, c); err != nil {
		return Result{}, err
	}

	e.afterCommit(ctx, ev.TradeID, c, false)
	return Result{Snapshot: next, Allocation: st.allocation, History: c.History}, nil
}

func (e *Engine) duplicate(ctx context.Context, ev model.TradeEvent) (Result, error) {
	snap, err := e.store.Snapshot(ctx, ev.PositionKey)
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("duplicate trade ignored", "trade_id", ev.TradeID, "position_key", ev.PositionKey)
	return Result{Snapshot: snap, Duplicate: true}, nil
}

// reject records ev as FAILED. A store failure while doing so takes
// precedence over the validation error since the outcome is then unknown.
func (e *Engine) reject(ctx context.Context, ev model.TradeEvent, verr *ValidationError) error {
	if err := e.guard.MarkFailed(ctx, ev, verr.Reason()); err != nil {
		return err
	}
	e.logger.Info("trade rejected",
		"trade_id", ev.TradeID, "position_key", ev.PositionKey, "errors", verr.Errors,
		"failing_trade_id", verr.FailingTradeID)
	return verr
}

// afterCommit runs the best-effort steps that follow a durable commit.
func (e *Engine) afterCommit(ctx context.Context, tradeID string, c *store.Commit, replayed bool) {
	if c.Idempotency != nil {
		e.guard.Remember(ctx, *c.Idempotency)
	}
	history.Observe(c.History...)

	snap := c.Snapshot
	e.logger.Info("position committed",
		"position_key", snap.PositionKey, "trade_id", tradeID, "version", snap.Version,
		"status", snap.Status, "replayed", replayed, "history", len(c.History))

	payload, err := json.Marshal(Update{
		PositionKey: snap.PositionKey,
		TradeID:     tradeID,
		Version:     snap.Version,
		Status:      snap.Status,
		Replayed:    replayed,
		Snapshot:    snap,
		History:     c.History,
		At:          snap.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := e.publisher.Publish(ctx, publish.TopicPositionUpdated, snap.PositionKey, payload); err != nil {
		e.logger.Warn("publish failed", "position_key", snap.PositionKey, "err", err)
	}
}

// withRetry runs fn until it does not fail with a version conflict, at most
// MaxAttempts times.
func (e *Engine) withRetry(ctx context.Context, positionKey string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.Inc()
		if attempt >= e.cfg.MaxAttempts {
			e.logger.Error("giving up after version conflicts", "position_key", positionKey, "attempts", attempt)
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, positionKey, attempt, err)
		}
		e.logger.Warn("version conflict, retrying", "position_key", positionKey, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
