// Package limits enforces per-contract quantity limits on trades.
//
// Two limits apply to every trade: the size of a single trade, and the
// absolute quantity the position would hold after the trade. Reductions
// are only checked against the per-trade limit, so a position that is
// already above its limit can always be wound down.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrTradeLimitExceeded is returned when a single trade is larger than
	// the per-trade maximum.
	ErrTradeLimitExceeded = errors.New("limits: per-trade quantity limit exceeded")

	// ErrPositionLimitExceeded is returned when a trade would push the
	// position's total quantity beyond the position maximum.
	ErrPositionLimitExceeded = errors.New("limits: position quantity limit exceeded")
)

// PositionLimiter holds the limits of one contract. A zero limit disables
// that check.
type PositionLimiter struct {
	// MaxTrade is the largest quantity a single trade may carry.
	MaxTrade decimal.Decimal

	// MaxPosition is the largest total quantity a position may hold.
	MaxPosition decimal.Decimal
}

// NewPositionLimiter creates a limiter. Negative limits are treated as zero.
func NewPositionLimiter(maxTrade, maxPosition decimal.Decimal) *PositionLimiter {
	if maxTrade.IsNegative() {
		maxTrade = decimal.Zero
	}
	if maxPosition.IsNegative() {
		maxPosition = decimal.Zero
	}
	return &PositionLimiter{MaxTrade: maxTrade, MaxPosition: maxPosition}
}

// CheckLimit validates a trade.
//
// Parameters:
//   - current: total quantity the position holds before the trade
//   - delta: signed change (+ increase / - decrease)
//
// Returns nil if the trade is within limits, or the violated limit.
func (l *PositionLimiter) CheckLimit(current, delta decimal.Decimal) error {
	// 1. Single trade size.
	if l.MaxTrade.IsPositive() && delta.Abs().GreaterThan(l.MaxTrade) {
		return ErrTradeLimitExceeded
	}

	// 2. Resulting position, only when it grows.
	if l.MaxPosition.IsPositive() && delta.IsPositive() {
		if current.Add(delta).GreaterThan(l.MaxPosition) {
			return ErrPositionLimitExceeded
		}
	}

	return nil
}
