package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(d(0), d(100))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_TradeExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(d(0), d(1000.5))
	if err != ErrTradeLimitExceeded {
		t.Errorf("expected ErrTradeLimitExceeded, got %v", err)
	}

	// Applies to reductions too.
	err = limiter.CheckLimit(d(4000), d(-1500))
	if err != ErrTradeLimitExceeded {
		t.Errorf("expected ErrTradeLimitExceeded for large decrease, got %v", err)
	}
}

func TestCheckLimit_PositionExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	// Existing 1950 + 100 = 2050 > 2000.
	err := limiter.CheckLimit(d(1950), d(100))
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_AtLimitAllowed(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	err := limiter.CheckLimit(d(1000), d(1000))
	if err != nil {
		t.Errorf("exactly at the limit should pass, got %v", err)
	}
}

func TestCheckLimit_ReductionAboveLimitAllowed(t *testing.T) {
	// A position over its limit (e.g. after the limit was lowered) can
	// still be reduced.
	limiter := NewPositionLimiter(d(1000), d(2000))

	err := limiter.CheckLimit(d(3000), d(-200))
	if err != nil {
		t.Errorf("reduction should be allowed, got %v", err)
	}
}

func TestCheckLimit_ZeroMeansUnlimited(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, d(-5))

	err := limiter.CheckLimit(d(1000000), d(1000000))
	if err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
