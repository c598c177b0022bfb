// Package lots implements tax-lot accounting: opening lots for increases and
// matching reductions against open lots under a selectable allocation method.
//
// Everything here is a pure function over its arguments. Input slices are
// never mutated; callers receive fresh slices they own.
//
//   - FIFO consumes the oldest lots first (ascending open date)
//   - LIFO consumes the newest lots first (descending open date)
//   - HIFO consumes the most expensive lots first (descending cost basis,
//     ties broken oldest first so the order is reproducible)
package lots

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

// Method selects the order in which open lots are consumed.
type Method string

const (
	FIFO Method = "FIFO"
	LIFO Method = "LIFO"
	HIFO Method = "HIFO"
)

var (
	// ErrUnknownMethod is returned when a method literal is not FIFO, LIFO or HIFO.
	ErrUnknownMethod = errors.New("lots: unknown allocation method")

	// ErrNonPositiveQuantity is returned when a reduction asks for zero or less.
	ErrNonPositiveQuantity = errors.New("lots: quantity must be positive")
)

// ParseMethod converts a case-insensitive literal into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case FIFO, LIFO, HIFO:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// NewLot opens a lot for an increasing trade. The lot id is the trade id so
// that replaying the same events reproduces the same lots.
func NewLot(ev model.TradeEvent) model.TaxLot {
	return model.TaxLot{
		LotID:             ev.TradeID,
		OpenEffectiveDate: model.Day(ev.EffectiveDate),
		OriginalQty:       ev.Quantity,
		RemainingQty:      ev.Quantity,
		CostBasis:         ev.Price,
		CurrentRefPrice:   ev.Price,
	}
}

// Open returns a copy of open with lot inserted in chronological position.
// A lot sharing an open date with existing lots goes after them, preserving
// arrival order as the tie-break.
func Open(open []model.TaxLot, lot model.TaxLot) []model.TaxLot {
	idx := sort.Search(len(open), func(i int) bool {
		return open[i].OpenEffectiveDate.After(lot.OpenEffectiveDate)
	})
	out := make([]model.TaxLot, 0, len(open)+1)
	out = append(out, open[:idx]...)
	out = append(out, lot)
	out = append(out, open[idx:]...)
	return out
}

// Total sums remaining quantity across lots.
func Total(open []model.TaxLot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range open {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// Order returns the indices of open in the sequence method consumes them.
// open is assumed chronological, so its index is the arrival tie-break.
func Order(open []model.TaxLot, method Method) ([]int, error) {
	idx := make([]int, len(open))
	for i := range idx {
		idx[i] = i
	}

	var less func(a, b int) bool
	switch method {
	case FIFO:
		less = func(a, b int) bool {
			la, lb := open[idx[a]], open[idx[b]]
			if !la.OpenEffectiveDate.Equal(lb.OpenEffectiveDate) {
				return la.OpenEffectiveDate.Before(lb.OpenEffectiveDate)
			}
			return idx[a] < idx[b]
		}
	case LIFO:
		less = func(a, b int) bool {
			la, lb := open[idx[a]], open[idx[b]]
			if !la.OpenEffectiveDate.Equal(lb.OpenEffectiveDate) {
				return la.OpenEffectiveDate.After(lb.OpenEffectiveDate)
			}
			return idx[a] > idx[b]
		}
	case HIFO:
		less = func(a, b int) bool {
			la, lb := open[idx[a]], open[idx[b]]
			if c := la.CostBasis.Cmp(lb.CostBasis); c != 0 {
				return c > 0
			}
			if !la.OpenEffectiveDate.Equal(lb.OpenEffectiveDate) {
				return la.OpenEffectiveDate.Before(lb.OpenEffectiveDate)
			}
			return idx[a] < idx[b]
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	sort.SliceStable(idx, less)
	return idx, nil
}

// Allocate matches qty against open under method.
//
// On full allocation the returned lots are the post-reduction set in
// chronological order, with exhausted lots removed. When open quantity is
// insufficient the result reports the shortfall and the returned lots are an
// unmodified copy of open: a reduction never applies partially.
func Allocate(open []model.TaxLot, qty decimal.Decimal, method Method) (model.LotAllocationResult, []model.TaxLot, error) {
	if !qty.IsPositive() {
		return model.LotAllocationResult{}, nil, ErrNonPositiveQuantity
	}
	order, err := Order(open, method)
	if err != nil {
		return model.LotAllocationResult{}, nil, err
	}

	remaining := append([]model.TaxLot(nil), open...)
	result := model.LotAllocationResult{
		TotalAllocatedQty:      decimal.Zero,
		RemainingQtyToAllocate: qty,
	}

	for _, i := range order {
		if !result.RemainingQtyToAllocate.IsPositive() {
			break
		}
		take := decimal.Min(remaining[i].RemainingQty, result.RemainingQtyToAllocate)
		remaining[i].RemainingQty = remaining[i].RemainingQty.Sub(take)
		result.RemainingQtyToAllocate = result.RemainingQtyToAllocate.Sub(take)
		result.TotalAllocatedQty = result.TotalAllocatedQty.Add(take)
		result.AllocatedLotIDs = append(result.AllocatedLotIDs, remaining[i].LotID)
		result.Consumptions = append(result.Consumptions, model.LotConsumption{LotID: remaining[i].LotID, Qty: take})
	}

	result.FullyAllocated = result.RemainingQtyToAllocate.IsZero()
	if !result.FullyAllocated {
		return result, append([]model.TaxLot(nil), open...), nil
	}

	out := remaining[:0]
	for _, l := range remaining {
		if l.RemainingQty.IsPositive() {
			out = append(out, l)
		}
	}
	return result, out, nil
}

// Mark sets every lot's reference price to price.
func Mark(open []model.TaxLot, price decimal.Decimal) []model.TaxLot {
	out := append([]model.TaxLot(nil), open...)
	for i := range out {
		out[i].CurrentRefPrice = price
	}
	return out
}
