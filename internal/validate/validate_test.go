package validate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/contract"
	"github.com/atmx/position-ledger/internal/lots"
	"github.com/atmx/position-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var today = model.MustDate("2024-06-15")

func newValidator() *Validator {
	return New(func() time.Time { return today })
}

func rules() contract.Rules {
	return contract.Rules{ContractID: "CTR-1", Method: lots.FIFO, MaxPrice: d(1000000)}
}

func validEvent() model.TradeEvent {
	return model.TradeEvent{
		TradeID:       "T1",
		PositionKey:   "ACC1|AAPL",
		TradeType:     model.TradeNew,
		Quantity:      d(10),
		Price:         d(50),
		EffectiveDate: model.MustDate("2024-03-01"),
		ContractID:    "CTR-1",
	}
}

func activeSnapshot(qty float64) *model.PositionSnapshot {
	return &model.PositionSnapshot{
		PositionKey: "ACC1|AAPL",
		Status:      model.StatusActive,
		Version:     1,
		OpenLots: []model.TaxLot{{
			LotID:             "T0",
			OpenEffectiveDate: model.MustDate("2024-01-01"),
			OriginalQty:       d(qty),
			RemainingQty:      d(qty),
			CostBasis:         d(40),
		}},
	}
}

func hasError(res Result, msg string) bool {
	for _, e := range res.Errors {
		if e == msg {
			return true
		}
	}
	return false
}

func TestValidate_ValidTrades(t *testing.T) {
	v := newValidator()

	res := v.Validate(validEvent(), nil, rules())
	if !res.Valid || len(res.Errors) != 0 {
		t.Fatalf("expected valid NEW_TRADE, got %v", res.Errors)
	}

	inc := validEvent()
	inc.TradeType = model.TradeIncrease
	if res := v.Validate(inc, activeSnapshot(10), rules()); !res.Valid {
		t.Errorf("expected valid INCREASE, got %v", res.Errors)
	}

	dec := validEvent()
	dec.TradeType = model.TradeDecrease
	if res := v.Validate(dec, activeSnapshot(10), rules()); !res.Valid {
		t.Errorf("expected valid DECREASE, got %v", res.Errors)
	}
}

func TestValidate_FieldRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.TradeEvent)
		want   string
	}{
		{"missing trade id", func(e *model.TradeEvent) { e.TradeID = "" }, "tradeId is required"},
		{"zero quantity", func(e *model.TradeEvent) { e.Quantity = decimal.Zero }, "quantity must be greater than zero"},
		{"negative quantity", func(e *model.TradeEvent) { e.Quantity = d(-3) }, "quantity must be greater than zero"},
		{"empty position key", func(e *model.TradeEvent) { e.PositionKey = "" }, "positionKey is required"},
		{"bad trade type", func(e *model.TradeEvent) { e.TradeType = "CLOSE" }, "tradeType must be one of NEW_TRADE, INCREASE, DECREASE"},
		{"missing date", func(e *model.TradeEvent) { e.EffectiveDate = time.Time{} }, "effectiveDate is required"},
		{"far future", func(e *model.TradeEvent) { e.EffectiveDate = model.MustDate("2025-06-16") }, "effectiveDate cannot be more than 1 year in the future"},
		{"price above cap", func(e *model.TradeEvent) { e.Price = d(1000000.01) }, "price exceeds maximum of 1000000"},
		{"negative price", func(e *model.TradeEvent) { e.Price = d(-1) }, "price must not be negative"},
	}
	v := newValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			res := v.Validate(ev, nil, rules())
			if res.Valid {
				t.Fatal("expected invalid")
			}
			if len(res.Errors) != 1 || res.Errors[0] != tt.want {
				t.Errorf("expected only %q, got %v", tt.want, res.Errors)
			}
		})
	}
}

func TestValidate_ExactlyOneYearAheadAllowed(t *testing.T) {
	ev := validEvent()
	ev.EffectiveDate = model.MustDate("2025-06-15")
	if res := newValidator().Validate(ev, nil, rules()); !res.Valid {
		t.Errorf("one year ahead should be allowed, got %v", res.Errors)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	ev := model.TradeEvent{
		TradeType:     "BOGUS",
		Quantity:      decimal.Zero,
		Price:         d(2000000),
		EffectiveDate: model.MustDate("2030-01-01"),
	}
	res := newValidator().Validate(ev, nil, rules())

	for _, want := range []string{
		"tradeId is required",
		"quantity must be greater than zero",
		"positionKey is required",
		"tradeType must be one of NEW_TRADE, INCREASE, DECREASE",
		"effectiveDate cannot be more than 1 year in the future",
		"price exceeds maximum of 1000000",
	} {
		if !hasError(res, want) {
			t.Errorf("missing error %q in %v", want, res.Errors)
		}
	}
	if len(res.Errors) != 6 {
		t.Errorf("expected 6 errors, got %d: %v", len(res.Errors), res.Errors)
	}
}

func TestValidate_StateMachineRules(t *testing.T) {
	v := newValidator()
	terminated := &model.PositionSnapshot{PositionKey: "ACC1|AAPL", Status: model.StatusTerminated, Version: 3}

	tests := []struct {
		name  string
		snap  *model.PositionSnapshot
		trade model.TradeType
		want  string
	}{
		{"new on active", activeSnapshot(10), model.TradeNew, "NEW_TRADE not allowed on ACTIVE position"},
		{"increase on nothing", nil, model.TradeIncrease, "Only NEW_TRADE allowed on non-existent position"},
		{"decrease on nothing", nil, model.TradeDecrease, "Only NEW_TRADE allowed on non-existent position"},
		{"increase on terminated", terminated, model.TradeIncrease, "Only NEW_TRADE allowed on TERMINATED position"},
		{"decrease on terminated", terminated, model.TradeDecrease, "Only NEW_TRADE allowed on TERMINATED position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			ev.TradeType = tt.trade
			res := v.Validate(ev, tt.snap, rules())
			if res.Valid || !hasError(res, tt.want) {
				t.Errorf("expected %q, got %v", tt.want, res.Errors)
			}
		})
	}

	ev := validEvent()
	if res := v.Validate(ev, terminated, rules()); !res.Valid {
		t.Errorf("NEW_TRADE must reopen a TERMINATED position, got %v", res.Errors)
	}
}

func TestValidate_ContractLimits(t *testing.T) {
	v := newValidator()
	r := rules()
	r.MaxTradeQuantity = d(100)
	r.MaxPositionQuantity = d(150)

	big := validEvent()
	big.Quantity = d(101)
	if res := v.Validate(big, nil, r); !hasError(res, "quantity exceeds per-trade limit of 100") {
		t.Errorf("expected per-trade limit error, got %v", res.Errors)
	}

	inc := validEvent()
	inc.TradeType = model.TradeIncrease
	inc.Quantity = d(60)
	if res := v.Validate(inc, activeSnapshot(100), r); !hasError(res, "position limit of 150 exceeded") {
		t.Errorf("expected position limit error, got %v", res.Errors)
	}

	dec := validEvent()
	dec.TradeType = model.TradeDecrease
	dec.Quantity = d(60)
	if res := v.Validate(dec, activeSnapshot(200), r); !res.Valid {
		t.Errorf("reductions must pass the position limit, got %v", res.Errors)
	}
}

func TestValidate_ZeroMaxPriceMeansUncapped(t *testing.T) {
	r := rules()
	r.MaxPrice = decimal.Zero
	ev := validEvent()
	ev.Price = d(5000000)
	if res := newValidator().Validate(ev, nil, r); !res.Valid {
		t.Errorf("expected no price cap, got %v", res.Errors)
	}
}
