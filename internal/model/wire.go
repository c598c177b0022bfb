package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedMessage is returned when a trade message cannot be decoded
// into an event at all. Field-level problems are left to validation.
var ErrMalformedMessage = errors.New("model: malformed trade message")

// TradeMessage is the JSON shape of a trade event on the wire, shared by
// the HTTP API and the Kafka feed. Dates travel as YYYY-MM-DD.
type TradeMessage struct {
	TradeID       string          `json:"trade_id"`
	PositionKey   string          `json:"position_key"`
	TradeType     string          `json:"trade_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	EffectiveDate string          `json:"effective_date"`
	ContractID    string          `json:"contract_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Account       string          `json:"account,omitempty"`
	Instrument    string          `json:"instrument,omitempty"`
	Currency      string          `json:"currency,omitempty"`
}

// Event converts m into a TradeEvent. A missing date is left zero for the
// validator to report; an unparseable one is malformed.
func (m TradeMessage) Event() (TradeEvent, error) {
	ev := TradeEvent{
		TradeID:       strings.TrimSpace(m.TradeID),
		PositionKey:   strings.TrimSpace(m.PositionKey),
		TradeType:     TradeType(strings.ToUpper(strings.TrimSpace(m.TradeType))),
		Quantity:      m.Quantity,
		Price:         m.Price,
		ContractID:    m.ContractID,
		CorrelationID: m.CorrelationID,
		Account:       m.Account,
		Instrument:    m.Instrument,
		Currency:      m.Currency,
	}
	if m.EffectiveDate != "" {
		t, err := ParseDate(m.EffectiveDate)
		if err != nil {
			return TradeEvent{}, fmt.Errorf("%w: effective_date %q: %v", ErrMalformedMessage, m.EffectiveDate, err)
		}
		ev.EffectiveDate = t
	}
	return ev, nil
}

// ParseDate reads a YYYY-MM-DD date as a UTC day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}
