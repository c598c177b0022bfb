package lots

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func lot(id, open string, qty, cost float64) model.TaxLot {
	return model.TaxLot{
		LotID:             id,
		OpenEffectiveDate: model.MustDate(open),
		OriginalQty:       d(qty),
		RemainingQty:      d(qty),
		CostBasis:         d(cost),
		CurrentRefPrice:   d(cost),
	}
}

func twoLots() []model.TaxLot {
	return []model.TaxLot{
		lot("L1", "2024-01-01", 10, 50),
		lot("L2", "2024-02-01", 10, 60),
	}
}

func TestAllocate_MethodsOnFixedLots(t *testing.T) {
	tests := []struct {
		method   Method
		consumed string
		left     string
	}{
		{FIFO, "L1", "L2"},
		{LIFO, "L2", "L1"},
		{HIFO, "L2", "L1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			res, left, err := Allocate(twoLots(), d(10), tt.method)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.FullyAllocated {
				t.Fatal("expected full allocation")
			}
			if len(res.AllocatedLotIDs) != 1 || res.AllocatedLotIDs[0] != tt.consumed {
				t.Errorf("expected %s consumed, got %v", tt.consumed, res.AllocatedLotIDs)
			}
			if len(left) != 1 || left[0].LotID != tt.left {
				t.Errorf("expected only %s left open, got %+v", tt.left, left)
			}
			if !res.TotalAllocatedQty.Equal(d(10)) {
				t.Errorf("expected 10 allocated, got %s", res.TotalAllocatedQty)
			}
		})
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	for _, m := range []Method{FIFO, LIFO, HIFO} {
		a, _, _ := Allocate(twoLots(), d(15), m)
		b, _, _ := Allocate(twoLots(), d(15), m)
		if len(a.AllocatedLotIDs) != len(b.AllocatedLotIDs) {
			t.Fatalf("%s: allocation differs between runs", m)
		}
		for i := range a.AllocatedLotIDs {
			if a.AllocatedLotIDs[i] != b.AllocatedLotIDs[i] {
				t.Errorf("%s: allocation order differs at %d", m, i)
			}
		}
	}
}

func TestAllocate_PartialLotKeepsRemainder(t *testing.T) {
	res, left, err := Allocate(twoLots(), d(14), FIFO)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.AllocatedLotIDs; len(got) != 2 || got[0] != "L1" || got[1] != "L2" {
		t.Fatalf("expected [L1 L2], got %v", got)
	}
	if !res.Consumptions[1].Qty.Equal(d(4)) {
		t.Errorf("expected 4 taken from L2, got %s", res.Consumptions[1].Qty)
	}
	if len(left) != 1 || !left[0].RemainingQty.Equal(d(6)) {
		t.Fatalf("expected L2 with 6 remaining, got %+v", left)
	}
	if !left[0].OriginalQty.Equal(d(10)) {
		t.Errorf("original qty must not change, got %s", left[0].OriginalQty)
	}
}

func TestAllocate_Insufficient(t *testing.T) {
	open := twoLots()
	res, left, err := Allocate(open, d(25), LIFO)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FullyAllocated {
		t.Fatal("expected partial allocation to be reported")
	}
	if !res.RemainingQtyToAllocate.Equal(d(5)) {
		t.Errorf("expected shortfall 5, got %s", res.RemainingQtyToAllocate)
	}
	if !Total(left).Equal(d(20)) {
		t.Errorf("lots must be untouched on shortfall, total %s", Total(left))
	}
	if !open[0].RemainingQty.Equal(d(10)) || !open[1].RemainingQty.Equal(d(10)) {
		t.Error("input slice was mutated")
	}
}

func TestAllocate_Conservation(t *testing.T) {
	open := []model.TaxLot{
		lot("A", "2024-01-01", 3, 10),
		lot("B", "2024-01-05", 7, 30),
		lot("C", "2024-02-01", 2.5, 20),
		lot("D", "2024-03-01", 4, 30),
	}
	for _, m := range []Method{FIFO, LIFO, HIFO} {
		cur := open
		for _, q := range []float64{1, 2.5, 4, 3, 2} {
			before := Total(cur)
			res, next, err := Allocate(cur, d(q), m)
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", m, err)
			}
			if !res.FullyAllocated {
				t.Fatalf("%s: expected full allocation of %v", m, q)
			}
			if !Total(next).Equal(before.Sub(d(q))) {
				t.Errorf("%s: total %s, expected %s - %v", m, Total(next), before, q)
			}
			for _, l := range next {
				if !l.RemainingQty.IsPositive() {
					t.Errorf("%s: lot %s kept with remaining %s", m, l.LotID, l.RemainingQty)
				}
			}
			cur = next
		}
	}
}

func TestOrder_HIFOTieBreaksOldestFirst(t *testing.T) {
	open := []model.TaxLot{
		lot("old", "2024-01-01", 1, 40),
		lot("mid", "2024-02-01", 1, 90),
		lot("new", "2024-03-01", 1, 40),
	}
	idx, err := Order(open, HIFO)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"mid", "old", "new"}
	for i, w := range want {
		if open[idx[i]].LotID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, open[idx[i]].LotID)
		}
	}
}

func TestOrder_SameDateUsesArrival(t *testing.T) {
	open := []model.TaxLot{
		lot("first", "2024-01-01", 1, 10),
		lot("second", "2024-01-01", 1, 10),
	}
	fifo, _ := Order(open, FIFO)
	lifo, _ := Order(open, LIFO)
	if open[fifo[0]].LotID != "first" {
		t.Errorf("FIFO should start with first arrival")
	}
	if open[lifo[0]].LotID != "second" {
		t.Errorf("LIFO should start with last arrival")
	}
}

func TestOpen_InsertsChronologically(t *testing.T) {
	open := twoLots()
	mid := lot("M", "2024-01-15", 5, 55)
	out := Open(open, mid)
	if len(out) != 3 || out[1].LotID != "M" {
		t.Fatalf("expected M between L1 and L2, got %+v", out)
	}
	if len(open) != 2 {
		t.Error("input slice was modified")
	}

	same := Open(out, lot("L1b", "2024-01-01", 1, 1))
	if same[1].LotID != "L1b" {
		t.Errorf("same-date lot should follow existing ones, got %s", same[1].LotID)
	}
	if !Total(same).Equal(d(26)) {
		t.Errorf("expected total 26, got %s", Total(same))
	}
}

func TestNewLot(t *testing.T) {
	ev := model.TradeEvent{
		TradeID:       "T1",
		Quantity:      d(12),
		Price:         d(101.5),
		EffectiveDate: model.MustDate("2024-05-01"),
	}
	l := NewLot(ev)
	if l.LotID != "T1" || !l.RemainingQty.Equal(d(12)) || !l.OriginalQty.Equal(d(12)) {
		t.Errorf("unexpected lot: %+v", l)
	}
	if !l.CostBasis.Equal(d(101.5)) {
		t.Errorf("expected cost basis 101.5, got %s", l.CostBasis)
	}
}

func TestAllocate_Errors(t *testing.T) {
	if _, _, err := Allocate(twoLots(), decimal.Zero, FIFO); !errors.Is(err, ErrNonPositiveQuantity) {
		t.Errorf("expected ErrNonPositiveQuantity, got %v", err)
	}
	if _, _, err := Allocate(twoLots(), d(1), Method("AVG")); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{"fifo": FIFO, " LIFO ": LIFO, "Hifo": HIFO} {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseMethod("average"); err == nil {
		t.Error("expected error for unknown method")
	}
}
