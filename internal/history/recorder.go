// Package history builds and appends UPI history records. The log is
// append-only and write-only from the ledger's point of view: nothing here
// reads history back to make a decision.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/store"
)

var (
	ErrMissingPosition    = errors.New("history: position key is required")
	ErrMissingChangeType  = errors.New("history: change type is required")
	ErrMissingMergeSource = errors.New("history: MERGED requires a source position key")
)

// Change describes one status or identity change of a position.
type Change struct {
	PositionKey           string
	UPI                   string // defaults to the position's derived UPI
	PreviousUPI           string
	Status                model.Status
	PreviousStatus        model.Status
	Type                  model.ChangeType
	TriggeringTradeID     string
	BackdatedTradeID      string
	EffectiveDate         time.Time
	Reason                string
	MergedFromPositionKey string
}

// Recorder stamps and appends history records.
type Recorder struct {
	store  store.HistoryStore
	now    func() time.Time
	logger *slog.Logger
}

func NewRecorder(s store.HistoryStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, now: time.Now, logger: logger}
}

// Entry validates c and turns it into a record ready to be committed. The
// sequence is left for the store to assign.
func (r *Recorder) Entry(c Change) (model.UPIHistoryRecord, error) {
	if c.PositionKey == "" {
		return model.UPIHistoryRecord{}, ErrMissingPosition
	}
	if c.Type == model.ChangeNone {
		return model.UPIHistoryRecord{}, ErrMissingChangeType
	}
	if c.Type == model.ChangeMerged && c.MergedFromPositionKey == "" {
		return model.UPIHistoryRecord{}, ErrMissingMergeSource
	}

	upi := c.UPI
	if upi == "" {
		upi = model.UPIFor(c.PositionKey)
	}
	prev := c.PreviousStatus
	if prev == "" {
		prev = model.StatusNoPosition
	}

	return model.UPIHistoryRecord{
		PositionKey:           c.PositionKey,
		UPI:                   upi,
		PreviousUPI:           c.PreviousUPI,
		Status:                c.Status,
		PreviousStatus:        prev,
		ChangeType:            c.Type,
		TriggeringTradeID:     c.TriggeringTradeID,
		BackdatedTradeID:      c.BackdatedTradeID,
		OccurredAt:            r.now().UTC(),
		EffectiveDate:         c.EffectiveDate,
		Reason:                c.Reason,
		MergedFromPositionKey: c.MergedFromPositionKey,
	}, nil
}

// Record appends a standalone change, e.g. a merge performed by an external
// consolidation process.
func (r *Recorder) Record(ctx context.Context, c Change) (model.UPIHistoryRecord, error) {
	rec, err := r.Entry(c)
	if err != nil {
		return model.UPIHistoryRecord{}, err
	}
	if err := r.store.AppendHistory(ctx, &rec); err != nil {
		return model.UPIHistoryRecord{}, fmt.Errorf("record %s for %s: %w", rec.ChangeType, rec.PositionKey, err)
	}
	Observe(rec)
	r.logger.Info("upi history recorded",
		"position_key", rec.PositionKey, "change_type", rec.ChangeType, "sequence", rec.Sequence)
	return rec, nil
}

// Observe counts committed records.
func Observe(recs ...model.UPIHistoryRecord) {
	for _, rec := range recs {
		metrics.HistoryRecords.WithLabelValues(string(rec.ChangeType)).Inc()
	}
}
