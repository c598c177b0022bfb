package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/position-ledger/internal/store"
)

var (
	// ErrConcurrencyConflict is the optimistic version check failing. It is
	// retried internally and only surfaces wrapped in ErrRetriesExhausted.
	ErrConcurrencyConflict = store.ErrVersionConflict

	// ErrRetriesExhausted is fatal for the event: it was not applied and
	// must be resubmitted.
	ErrRetriesExhausted = errors.New("ledger: retries exhausted")

	// ErrNoPosition is returned by operations that need an existing position.
	ErrNoPosition = errors.New("ledger: position does not exist")

	// ErrArchivedPeriod is returned when a replay would start inside the
	// archived part of a position's history.
	ErrArchivedPeriod = errors.New("ledger: effectiveDate precedes archived period")

	// ErrArchiveRange is returned when an archive boundary is not after the
	// previous checkpoint or lies beyond the applied history.
	ErrArchiveRange = errors.New("ledger: invalid archive boundary")
)

// ValidationError lists every business rule an event broke. When a
// backdated event makes a later trade illegal, FailingTradeID names that
// trade and Errors are its errors.
type ValidationError struct {
	TradeID        string
	FailingTradeID string
	Errors         []string
}

func (e *ValidationError) Error() string {
	msg := strings.Join(e.Errors, "; ")
	if e.TradeID == "" {
		return fmt.Sprintf("ledger: replay failed at trade %s: %s", e.FailingTradeID, msg)
	}
	if e.FailingTradeID != "" && e.FailingTradeID != e.TradeID {
		return fmt.Sprintf("ledger: trade %s rejected: replay failed at trade %s: %s", e.TradeID, e.FailingTradeID, msg)
	}
	return fmt.Sprintf("ledger: trade %s rejected: %s", e.TradeID, msg)
}

// Reason is the text stored on the FAILED idempotency record.
func (e *ValidationError) Reason() string {
	msg := strings.Join(e.Errors, "; ")
	if e.FailingTradeID != "" && e.FailingTradeID != e.TradeID {
		return fmt.Sprintf("replay failed at trade %s: %s", e.FailingTradeID, msg)
	}
	return msg
}
