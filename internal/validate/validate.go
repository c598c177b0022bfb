// Package validate checks trade events before they touch the ledger.
//
// Every rule is evaluated and every failure collected, so a caller sees all
// defects of an event in one pass. Business-rule failures are data, not
// errors: Validate never returns an error.
package validate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/contract"
	"github.com/atmx/position-ledger/internal/lifecycle"
	"github.com/atmx/position-ledger/internal/limits"
	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/model"
)

// Result is the outcome of validating one event.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (r *Result) add(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validator holds the clock used for the future-date rule.
type Validator struct {
	now func() time.Time
}

// New creates a validator. A nil clock means time.Now.
func New(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// Validate checks ev against field rules, the contract's limits and the
// state machine given the current snapshot (nil: no position).
func (v *Validator) Validate(ev model.TradeEvent, snap *model.PositionSnapshot, rules contract.Rules) Result {
	var res Result

	if ev.TradeID == "" {
		res.add("tradeId is required")
	}
	if !ev.Quantity.IsPositive() {
		res.add("quantity must be greater than zero")
	}
	if ev.PositionKey == "" {
		res.add("positionKey is required")
	}
	if !ev.TradeType.Valid() {
		res.add("tradeType must be one of NEW_TRADE, INCREASE, DECREASE")
	}

	if ev.EffectiveDate.IsZero() {
		res.add("effectiveDate is required")
	} else {
		limit := model.Day(v.now()).AddDate(1, 0, 0)
		if model.Day(ev.EffectiveDate).After(limit) {
			res.add("effectiveDate cannot be more than 1 year in the future")
		}
	}

	if ev.Price.IsNegative() {
		res.add("price must not be negative")
	}
	if rules.MaxPrice.IsPositive() && ev.Price.GreaterThan(rules.MaxPrice) {
		res.add("price exceeds maximum of %s", rules.MaxPrice.String())
	}

	// Cross rules need a recognizable trade type.
	if ev.TradeType.Valid() {
		out := lifecycle.Check(model.StatusOf(snap), ev.TradeType)
		if !out.Allowed {
			res.add("%s", out.Reason)
		} else if ev.Quantity.IsPositive() {
			v.checkLimits(&res, ev, snap, rules)
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func (v *Validator) checkLimits(res *Result, ev model.TradeEvent, snap *model.PositionSnapshot, rules contract.Rules) {
	current := model.StatusOf(snap)
	held := decimal.Zero
	if current == model.StatusActive {
		held = snap.TotalQty()
	}
	delta := ev.Quantity
	if ev.TradeType == model.TradeDecrease {
		delta = delta.Neg()
	}

	limiter := limits.NewPositionLimiter(rules.MaxTradeQuantity, rules.MaxPositionQuantity)
	switch err := limiter.CheckLimit(held, delta); err {
	case nil:
	case limits.ErrTradeLimitExceeded:
		metrics.PositionLimitRejections.Inc()
		res.add("quantity exceeds per-trade limit of %s", rules.MaxTradeQuantity.String())
	case limits.ErrPositionLimitExceeded:
		metrics.PositionLimitRejections.Inc()
		res.add("position limit of %s exceeded", rules.MaxPositionQuantity.String())
	default:
		res.add("%v", err)
	}
}
