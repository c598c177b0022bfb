// Package model defines the core domain types shared across the position ledger.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeType is the kind of instruction a trade event carries.
type TradeType string

const (
	TradeNew      TradeType = "NEW_TRADE"
	TradeIncrease TradeType = "INCREASE"
	TradeDecrease TradeType = "DECREASE"
)

// Valid reports whether t is one of the three accepted literals.
func (t TradeType) Valid() bool {
	switch t {
	case TradeNew, TradeIncrease, TradeDecrease:
		return true
	}
	return false
}

// Status is the lifecycle state of a position. StatusNoPosition is never
// persisted; it stands for the absence of a snapshot.
type Status string

const (
	StatusNoPosition Status = "NO_POSITION"
	StatusActive     Status = "ACTIVE"
	StatusTerminated Status = "TERMINATED"
)

// ChangeType classifies a UPI history entry.
type ChangeType string

const (
	ChangeNone        ChangeType = ""
	ChangeCreated     ChangeType = "CREATED"
	ChangeTerminated  ChangeType = "TERMINATED"
	ChangeReopened    ChangeType = "REOPENED"
	ChangeInvalidated ChangeType = "INVALIDATED"
	ChangeMerged      ChangeType = "MERGED"
	ChangeRestored    ChangeType = "RESTORED"
)

// DateLayout is the wire format of effective dates.
const DateLayout = "2006-01-02"

// TradeEvent is one instruction to mutate a position. Immutable once received.
// Quantity is always a positive magnitude; direction comes from TradeType.
type TradeEvent struct {
	TradeID       string          `json:"trade_id"`
	PositionKey   string          `json:"position_key"`
	TradeType     TradeType       `json:"trade_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	EffectiveDate time.Time       `json:"effective_date"`
	ContractID    string          `json:"contract_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// Identity fields, only read when the event creates the position.
	Account    string `json:"account,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// TaxLot is an open or partially-closed unit of quantity. A lot belongs to
// exactly one position.
type TaxLot struct {
	LotID             string          `json:"lot_id"`
	OpenEffectiveDate time.Time       `json:"open_effective_date"`
	OriginalQty       decimal.Decimal `json:"original_qty"`
	RemainingQty      decimal.Decimal `json:"remaining_qty"`
	CostBasis         decimal.Decimal `json:"cost_basis"`        // unit cost at open
	CurrentRefPrice   decimal.Decimal `json:"current_ref_price"` // mark-to-market
}

// PositionSnapshot is the materialized current state of one position.
type PositionSnapshot struct {
	PositionKey string   `json:"position_key"`
	UPI         string   `json:"upi"`
	Account     string   `json:"account"`
	Instrument  string   `json:"instrument"`
	Currency    string   `json:"currency"`
	ContractID  string   `json:"contract_id"`
	OpenLots    []TaxLot `json:"open_lots"` // chronological by OpenEffectiveDate
	Status      Status   `json:"status"`
	Version     int64    `json:"version"`

	// HighWaterMark is the latest effective date applied so far. An event
	// dated before it is backdated.
	HighWaterMark time.Time `json:"high_water_mark"`
	LastSequence  int64     `json:"last_sequence"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TotalQty is the sum of remaining quantity across open lots.
func (s *PositionSnapshot) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.OpenLots {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// StatusOf returns the status of a possibly-absent snapshot.
func StatusOf(s *PositionSnapshot) Status {
	if s == nil {
		return StatusNoPosition
	}
	return s.Status
}

// Clone returns a deep copy so callers can mutate lots freely.
func (s *PositionSnapshot) Clone() *PositionSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.OpenLots = append([]TaxLot(nil), s.OpenLots...)
	return &c
}

// LotConsumption records how much of one lot a reduction consumed.
type LotConsumption struct {
	LotID string          `json:"lot_id"`
	Qty   decimal.Decimal `json:"qty"`
}

// LotAllocationResult is the outcome of matching a reduction against open lots.
type LotAllocationResult struct {
	AllocatedLotIDs        []string         `json:"allocated_lot_ids"`
	Consumptions           []LotConsumption `json:"consumptions"`
	TotalAllocatedQty      decimal.Decimal  `json:"total_allocated_qty"`
	RemainingQtyToAllocate decimal.Decimal  `json:"remaining_qty_to_allocate"`
	FullyAllocated         bool             `json:"fully_allocated"`
}

// IdempotencyStatus is the finalized state of a trade id.
type IdempotencyStatus string

const (
	IdempotencyProcessed IdempotencyStatus = "PROCESSED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is durable proof that a trade id was finalized.
type IdempotencyRecord struct {
	IdempotencyKey string            `json:"idempotency_key"`
	TradeID        string            `json:"trade_id"`
	PositionKey    string            `json:"position_key"`
	EventVersion   int64             `json:"event_version"`
	Status         IdempotencyStatus `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	ProcessedAt    time.Time         `json:"processed_at"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Archived       bool              `json:"archived"`
}

// UPIHistoryRecord is an append-only audit entry. Never updated or deleted.
type UPIHistoryRecord struct {
	Sequence              int64      `json:"sequence"`
	PositionKey           string     `json:"position_key"`
	UPI                   string     `json:"upi"`
	PreviousUPI           string     `json:"previous_upi,omitempty"`
	Status                Status     `json:"status"`
	PreviousStatus        Status     `json:"previous_status"`
	ChangeType            ChangeType `json:"change_type"`
	TriggeringTradeID     string     `json:"triggering_trade_id"`
	BackdatedTradeID      string     `json:"backdated_trade_id,omitempty"`
	OccurredAt            time.Time  `json:"occurred_at"`
	EffectiveDate         time.Time  `json:"effective_date"`
	Reason                string     `json:"reason,omitempty"`
	MergedFromPositionKey string     `json:"merged_from_position_key,omitempty"`
}

// EventRecord is an applied trade event as stored in the append-only log.
type EventRecord struct {
	TradeEvent
	Sequence   int64      `json:"sequence"` // per-position arrival order
	RecordedAt time.Time  `json:"recorded_at"`
	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Checkpoint is the state of a position after every event dated strictly
// before EffectiveDate has been applied.
type Checkpoint struct {
	PositionKey   string            `json:"position_key"`
	EffectiveDate time.Time         `json:"effective_date"`
	Sequence      int64             `json:"sequence"`
	Snapshot      *PositionSnapshot `json:"snapshot,omitempty"` // nil: no position yet
	CreatedAt     time.Time         `json:"created_at"`
}

// upiNamespace scopes UPI derivation so it cannot collide with other v5 ids.
var upiNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:position-ledger:upi"))

// UPIFor derives the unique position identifier for a position key. The
// derivation is deterministic so replays and reopens keep the same identity.
func UPIFor(positionKey string) string {
	return uuid.NewSHA1(upiNamespace, []byte(positionKey)).String()
}

// Day truncates t to a UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MustDate parses a YYYY-MM-DD date and panics on bad input. Intended for
// tests and static tables.
func MustDate(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}
