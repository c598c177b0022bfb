package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/position-ledger/internal/model"
)

// Archiver freezes the early part of a position's history into a checkpoint.
// Replays start from the latest checkpoint and events dated before it can no
// longer be backdated into.
type Archiver struct {
	engine *Engine
}

func NewArchiver(e *Engine) *Archiver {
	return &Archiver{engine: e}
}

// Archive stores the state of positionKey as of before (every event dated
// strictly earlier applied) and flags those events archived. before must be
// after any existing checkpoint and no later than the high-water mark.
func (a *Archiver) Archive(ctx context.Context, positionKey string, before time.Time) (*model.Checkpoint, error) {
	e := a.engine
	before = model.Day(before)

	unlock, err := e.locker.Lock(ctx, positionKey)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", positionKey, err)
	}
	defer unlock()

	current, err := e.store.Snapshot(ctx, positionKey)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, positionKey)
	}
	if before.After(current.HighWaterMark) {
		return nil, fmt.Errorf("%w: %s is after high-water mark %s", ErrArchiveRange,
			before.Format(model.DateLayout), current.HighWaterMark.Format(model.DateLayout))
	}

	prev, err := e.store.LatestCheckpoint(ctx, positionKey)
	if err != nil {
		return nil, err
	}
	var base *model.PositionSnapshot
	var from time.Time
	var seq int64
	if prev != nil {
		if !before.After(prev.EffectiveDate) {
			return nil, fmt.Errorf("%w: %s is not after checkpoint %s", ErrArchiveRange,
				before.Format(model.DateLayout), prev.EffectiveDate.Format(model.DateLayout))
		}
		base, from, seq = prev.Snapshot, prev.EffectiveDate, prev.Sequence
	}

	events, err := e.store.ListFrom(ctx, positionKey, from)
	if err != nil {
		return nil, err
	}
	var frozen []model.EventRecord
	for _, rec := range events {
		if rec.EffectiveDate.Before(before) && !rec.Archived {
			frozen = append(frozen, rec)
		}
	}

	r, fail := e.run(base, frozen, true, 0)
	if fail != nil {
		return nil, &ValidationError{FailingTradeID: fail.tradeID, Errors: fail.errors}
	}
	if r.lastSeq > seq {
		seq = r.lastSeq
	}

	cp := &model.Checkpoint{
		PositionKey:   positionKey,
		EffectiveDate: before,
		Sequence:      seq,
		Snapshot:      r.state,
		CreatedAt:     e.now().UTC(),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.Archive(ctx, cp, current.Version); err != nil {
		return nil, fmt.Errorf("archive %s: %w", positionKey, err)
	}

	e.logger.Info("position archived",
		"position_key", positionKey, "before", before.Format(model.DateLayout),
		"events", len(frozen), "sequence", seq)
	return cp, nil
}
