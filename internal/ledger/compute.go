package ledger

import (
	"fmt"
	"time"

	"github.com/atmx/position-ledger/internal/contract"
	"github.com/atmx/position-ledger/internal/lifecycle"
	"github.com/atmx/position-ledger/internal/lots"
	"github.com/atmx/position-ledger/internal/model"
)

// step is the outcome of applying one event to a state in memory.
type step struct {
	next       *model.PositionSnapshot
	allocation *model.LotAllocationResult
	change     model.ChangeType
	prev       model.Status
}

// transition is a status change observed while applying a sequence of events.
type transition struct {
	tradeID string
	change  model.ChangeType
	from    model.Status
	to      model.Status
	date    time.Time
}

func (e *Engine) rulesFor(ev model.TradeEvent, state *model.PositionSnapshot) contract.Rules {
	id := ev.ContractID
	if id == "" && state != nil {
		id = state.ContractID
	}
	return e.contracts.Rules(id)
}

// compute validates ev against state and derives the next state. It has no
// side effects; state is not modified. Version, sequence and timestamps are
// left for the caller that commits.
//
// full applies the field and contract-limit rules. Events already in the log
// were checked when they arrived, so a rerun only holds them to the state
// machine and lot sufficiency: later rule changes never invalidate history.
func (e *Engine) compute(state *model.PositionSnapshot, ev model.TradeEvent, full bool) (step, []string) {
	rules := e.rulesFor(ev, state)
	if full {
		if res := e.validator.Validate(ev, state, rules); !res.Valid {
			return step{}, res.Errors
		}
	} else if out := lifecycle.Check(model.StatusOf(state), ev.TradeType); !out.Allowed {
		return step{}, []string{out.Reason}
	}

	prev := model.StatusOf(state)
	next := state.Clone()
	if next == nil {
		next = &model.PositionSnapshot{
			PositionKey: ev.PositionKey,
			UPI:         model.UPIFor(ev.PositionKey),
		}
	}
	if ev.TradeType == model.TradeNew {
		// Identity is taken from the opening trade, keeping prior values
		// the trade leaves blank.
		next.Account = orDefault(ev.Account, next.Account)
		next.Instrument = orDefault(ev.Instrument, next.Instrument)
		next.Currency = orDefault(ev.Currency, next.Currency)
		next.ContractID = orDefault(ev.ContractID, next.ContractID)
	}

	var alloc *model.LotAllocationResult
	switch ev.TradeType {
	case model.TradeNew, model.TradeIncrease:
		next.OpenLots = lots.Open(next.OpenLots, lots.NewLot(ev))
	case model.TradeDecrease:
		result, remaining, err := lots.Allocate(next.OpenLots, ev.Quantity, rules.Method)
		if err != nil {
			return step{}, []string{err.Error()}
		}
		if !result.FullyAllocated {
			return step{}, []string{fmt.Sprintf("insufficient quantity: requested %s, available %s",
				ev.Quantity.String(), lots.Total(next.OpenLots).String())}
		}
		next.OpenLots = remaining
		alloc = &result
	}

	flat := !lots.Total(next.OpenLots).GreaterThan(e.cfg.TerminationTolerance)
	out := lifecycle.Transition(prev, ev.TradeType, flat)
	if !out.Allowed {
		return step{}, []string{out.Reason}
	}
	next.Status = out.Next
	if next.Status == model.StatusTerminated {
		// Dust under the tolerance is written off with the position.
		next.OpenLots = nil
	}
	next.OpenLots = lots.Mark(next.OpenLots, ev.Price)
	if next.OpenLots == nil {
		next.OpenLots = []model.TaxLot{}
	}

	day := model.Day(ev.EffectiveDate)
	if day.After(next.HighWaterMark) {
		next.HighWaterMark = day
	}

	return step{next: next, allocation: alloc, change: out.Change, prev: prev}, nil
}

// sequenceRun is the result of applying events in order from a base state.
type sequenceRun struct {
	state       *model.PositionSnapshot
	transitions []transition
	allocations map[string]*model.LotAllocationResult
	lastSeq     int64 // highest sequence applied, 0 if none
}

// runFailure identifies the event a strict run stopped at.
type runFailure struct {
	tradeID string
	errors  []string
}

// run applies events to base in the given order. A strict run stops at the
// first invalid event; a lenient run skips it, which is how the previously
// committed order is reconstructed for the audit diff. Only the event with
// sequence incoming (0: none) gets the full rule set.
func (e *Engine) run(base *model.PositionSnapshot, events []model.EventRecord, strict bool, incoming int64) (sequenceRun, *runFailure) {
	r := sequenceRun{
		state:       base.Clone(),
		allocations: make(map[string]*model.LotAllocationResult),
	}

	for _, rec := range events {
		st, errs := e.compute(r.state, rec.TradeEvent, incoming != 0 && rec.Sequence == incoming)
		if errs != nil {
			if strict {
				return r, &runFailure{tradeID: rec.TradeID, errors: errs}
			}
			e.logger.Warn("skipping event that no longer validates",
				"position_key", rec.PositionKey, "trade_id", rec.TradeID, "errors", errs)
			continue
		}
		if st.change != model.ChangeNone {
			r.transitions = append(r.transitions, transition{
				tradeID: rec.TradeID,
				change:  st.change,
				from:    st.prev,
				to:      st.next.Status,
				date:    model.Day(rec.EffectiveDate),
			})
		}
		if st.allocation != nil {
			r.allocations[rec.TradeID] = st.allocation
		}
		r.state = st.next
		if rec.Sequence > r.lastSeq {
			r.lastSeq = rec.Sequence
		}
	}
	return r, nil
}

// sameState reports whether two snapshots hold the same position, ignoring
// version and bookkeeping timestamps.
func sameState(a, b *model.PositionSnapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Status != b.Status || len(a.OpenLots) != len(b.OpenLots) || !a.HighWaterMark.Equal(b.HighWaterMark) {
		return false
	}
	for i := range a.OpenLots {
		la, lb := a.OpenLots[i], b.OpenLots[i]
		if la.LotID != lb.LotID ||
			!la.OpenEffectiveDate.Equal(lb.OpenEffectiveDate) ||
			!la.OriginalQty.Equal(lb.OriginalQty) ||
			!la.RemainingQty.Equal(lb.RemainingQty) ||
			!la.CostBasis.Equal(lb.CostBasis) ||
			!la.CurrentRefPrice.Equal(lb.CurrentRefPrice) {
			return false
		}
	}
	return true
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
