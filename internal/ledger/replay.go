package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atmx/position-ledger/internal/history"
	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/store"
)

// rebuild is the input and output of one recomputation.
type rebuild struct {
	before sequenceRun // the committed order
	after  sequenceRun // the corrected order
}

// recompute loads the position from its latest checkpoint and applies its
// events twice: as committed, and with extra merged in. The second run is
// strict: any invalid event fails the whole recomputation.
func (e *Engine) recompute(ctx context.Context, positionKey string, extra *model.EventRecord) (*rebuild, error) {
	cp, err := e.store.LatestCheckpoint(ctx, positionKey)
	if err != nil {
		return nil, err
	}

	var base *model.PositionSnapshot
	var from time.Time
	if cp != nil {
		base = cp.Snapshot
		from = cp.EffectiveDate
		if extra != nil && extra.EffectiveDate.Before(cp.EffectiveDate) {
			return nil, &ValidationError{
				TradeID: extra.TradeID,
				Errors: []string{fmt.Sprintf("effectiveDate precedes archived period ending %s",
					cp.EffectiveDate.Format(model.DateLayout))},
			}
		}
	}

	committed, err := e.store.ListFrom(ctx, positionKey, from)
	if err != nil {
		return nil, err
	}
	live := committed[:0:0]
	for _, rec := range committed {
		if !rec.Archived {
			live = append(live, rec)
		}
	}

	corrected := append([]model.EventRecord(nil), live...)
	if extra != nil {
		corrected = append(corrected, *extra)
	}
	sort.SliceStable(corrected, func(i, j int) bool {
		if !corrected[i].EffectiveDate.Equal(corrected[j].EffectiveDate) {
			return corrected[i].EffectiveDate.Before(corrected[j].EffectiveDate)
		}
		return corrected[i].Sequence < corrected[j].Sequence
	})

	var incoming int64
	if extra != nil {
		incoming = extra.Sequence
	}
	r := &rebuild{}
	r.before, _ = e.run(base, live, false, 0)

	after, fail := e.run(base, corrected, true, incoming)
	if fail != nil {
		ve := &ValidationError{FailingTradeID: fail.tradeID, Errors: fail.errors}
		if extra != nil {
			ve.TradeID = extra.TradeID
		}
		return nil, ve
	}
	r.after = after
	return r, nil
}

// auditDiff compares the transitions of the committed and corrected orders.
// Transitions only in the corrected order are recorded as they are;
// transitions that disappeared are recorded as RESTORED (a termination that
// no longer happens) or INVALIDATED (an opening that no longer happens).
func (e *Engine) auditDiff(r *rebuild, positionKey, backdatedTradeID, reason string) ([]model.UPIHistoryRecord, error) {
	type key struct {
		tradeID string
		change  model.ChangeType
	}
	inBefore := make(map[key]bool, len(r.before.transitions))
	for _, t := range r.before.transitions {
		inBefore[key{t.tradeID, t.change}] = true
	}
	inAfter := make(map[key]bool, len(r.after.transitions))
	for _, t := range r.after.transitions {
		inAfter[key{t.tradeID, t.change}] = true
	}

	final := model.StatusOf(r.after.state)
	var changes []history.Change

	for _, t := range r.before.transitions {
		if inAfter[key{t.tradeID, t.change}] {
			continue
		}
		c := history.Change{
			PositionKey:       positionKey,
			Status:            final,
			PreviousStatus:    t.to,
			TriggeringTradeID: t.tradeID,
			BackdatedTradeID:  backdatedTradeID,
			EffectiveDate:     t.date,
		}
		switch t.change {
		case model.ChangeTerminated:
			c.Type = model.ChangeRestored
			c.Reason = fmt.Sprintf("termination by trade %s no longer occurs", t.tradeID)
		default:
			c.Type = model.ChangeInvalidated
			c.Reason = fmt.Sprintf("%s by trade %s no longer occurs", t.change, t.tradeID)
		}
		if reason != "" {
			c.Reason += ": " + reason
		}
		changes = append(changes, c)
	}

	for _, t := range r.after.transitions {
		if inBefore[key{t.tradeID, t.change}] {
			continue
		}
		changes = append(changes, history.Change{
			PositionKey:       positionKey,
			Status:            t.to,
			PreviousStatus:    t.from,
			Type:              t.change,
			TriggeringTradeID: t.tradeID,
			BackdatedTradeID:  backdatedTradeID,
			EffectiveDate:     t.date,
			Reason:            reason,
		})
	}

	recs := make([]model.UPIHistoryRecord, 0, len(changes))
	for _, c := range changes {
		rec, err := e.recorder.Entry(c)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// replayWith applies a backdated event by recomputing the position with the
// event merged into its history.
func (e *Engine) replayWith(ctx context.Context, current *model.PositionSnapshot, ev model.TradeEvent) (Result, error) {
	now := e.now().UTC()
	extra := model.EventRecord{TradeEvent: ev, Sequence: current.LastSequence + 1, RecordedAt: now}

	e.logger.Info("backdated trade, replaying",
		"position_key", ev.PositionKey, "trade_id", ev.TradeID,
		"effective_date", ev.EffectiveDate.Format(model.DateLayout),
		"high_water_mark", current.HighWaterMark.Format(model.DateLayout))

	r, err := e.recompute(ctx, ev.PositionKey, &extra)
	if err != nil {
		metrics.Replays.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	hist, err := e.auditDiff(r, ev.PositionKey, ev.TradeID, "")
	if err != nil {
		return Result{}, err
	}

	next := e.finalize(r.after.state, current, now)
	next.LastSequence = extra.Sequence

	idem := e.guard.Processed(ev, next.Version)
	c := &store.Commit{
		Snapshot:        next,
		ExpectedVersion: current.Version,
		Events:          []model.EventRecord{extra},
		History:         hist,
		Idempotency:     &idem,
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := e.store.Commit(ctx, c); err != nil {
		return Result{}, err
	}
	metrics.Replays.WithLabelValues("applied").Inc()

	e.afterCommit(ctx, ev.TradeID, c, true)
	return Result{
		Snapshot:   next,
		Replayed:   true,
		Allocation: r.after.allocations[ev.TradeID],
		History:    c.History,
	}, nil
}

// finalize stamps a recomputed state for commit on top of current.
func (e *Engine) finalize(state, current *model.PositionSnapshot, now time.Time) *model.PositionSnapshot {
	next := state.Clone()
	if next == nil {
		// Every event was rejected or removed; keep the shell so the
		// version keeps moving forward.
		next = current.Clone()
		next.OpenLots = []model.TaxLot{}
		next.Status = model.StatusTerminated
	}
	next.PositionKey = current.PositionKey
	next.UPI = current.UPI
	next.Version = current.Version + 1
	next.LastSequence = current.LastSequence
	next.UpdatedAt = now
	if current.HighWaterMark.After(next.HighWaterMark) {
		next.HighWaterMark = current.HighWaterMark
	}
	return next
}

// Replay rebuilds a position from its latest checkpoint and commits the
// result if it differs from the stored snapshot. from must not precede the
// archived period. The returned snapshot is the current one either way.
func (e *Engine) Replay(ctx context.Context, positionKey string, from time.Time) (*model.PositionSnapshot, error) {
	unlock, err := e.locker.Lock(ctx, positionKey)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", positionKey, err)
	}
	defer unlock()

	var out *model.PositionSnapshot
	err = e.withRetry(ctx, positionKey, func() error {
		var err error
		out, err = e.repair(ctx, positionKey, model.Day(from))
		return err
	})
	return out, err
}

func (e *Engine) repair(ctx context.Context, positionKey string, from time.Time) (*model.PositionSnapshot, error) {
	current, err := e.store.Snapshot(ctx, positionKey)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, positionKey)
	}

	cp, err := e.store.LatestCheckpoint(ctx, positionKey)
	if err != nil {
		return nil, err
	}
	if cp != nil && from.Before(cp.EffectiveDate) {
		return nil, fmt.Errorf("%w ending %s", ErrArchivedPeriod, cp.EffectiveDate.Format(model.DateLayout))
	}

	r, err := e.recompute(ctx, positionKey, nil)
	if err != nil {
		metrics.Replays.WithLabelValues("failed").Inc()
		return nil, err
	}
	if sameState(r.after.state, current) {
		metrics.Replays.WithLabelValues("unchanged").Inc()
		return current, nil
	}

	// The stored snapshot disagrees with its event log; the log wins.
	now := e.now().UTC()
	next := e.finalize(r.after.state, current, now)
	hist := []model.UPIHistoryRecord{}
	if next.Status != current.Status {
		change := model.ChangeRestored
		if next.Status == model.StatusTerminated {
			change = model.ChangeTerminated
		}
		rec, err := e.recorder.Entry(history.Change{
			PositionKey:    positionKey,
			UPI:            next.UPI,
			Status:         next.Status,
			PreviousStatus: current.Status,
			Type:           change,
			EffectiveDate:  from,
			Reason:         "snapshot rebuilt from event log",
		})
		if err != nil {
			return nil, err
		}
		hist = append(hist, rec)
	}

	c := &store.Commit{Snapshot: next, ExpectedVersion: current.Version, History: hist}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.Commit(ctx, c); err != nil {
		return nil, err
	}
	metrics.Replays.WithLabelValues("repaired").Inc()
	e.afterCommit(ctx, "", c, true)
	return next, nil
}
