// Package lifecycle is the position state machine. It decides whether a
// trade type is legal for a position's current status and which status and
// audit change type result from applying it.
//
// TERMINATED is not absorbing: a NEW_TRADE reopens it.
package lifecycle

import (
	"fmt"

	"github.com/atmx/position-ledger/internal/model"
)

// Outcome is the decision for one (status, trade type) pair.
type Outcome struct {
	Allowed bool
	Next    model.Status
	Change  model.ChangeType
	Reason  string // rejection message when !Allowed
}

type rule struct {
	next   model.Status
	change model.ChangeType
	reason string
}

// transitions is the full table. A rule with an empty next status rejects.
// DECREASE on ACTIVE is refined by Transition once the resulting quantity
// is known.
var transitions = map[model.Status]map[model.TradeType]rule{
	model.StatusNoPosition: {
		model.TradeNew:      {next: model.StatusActive, change: model.ChangeCreated},
		model.TradeIncrease: {reason: "Only NEW_TRADE allowed on non-existent position"},
		model.TradeDecrease: {reason: "Only NEW_TRADE allowed on non-existent position"},
	},
	model.StatusActive: {
		model.TradeNew:      {reason: "NEW_TRADE not allowed on ACTIVE position"},
		model.TradeIncrease: {next: model.StatusActive},
		model.TradeDecrease: {next: model.StatusActive},
	},
	model.StatusTerminated: {
		model.TradeNew:      {next: model.StatusActive, change: model.ChangeReopened},
		model.TradeIncrease: {reason: "Only NEW_TRADE allowed on TERMINATED position"},
		model.TradeDecrease: {reason: "Only NEW_TRADE allowed on TERMINATED position"},
	},
}

// Check reports whether tradeType may be applied to a position in current,
// without regard to quantities.
func Check(current model.Status, tradeType model.TradeType) Outcome {
	byType, ok := transitions[current]
	if !ok {
		return Outcome{Reason: fmt.Sprintf("unknown position status %s", current)}
	}
	r, ok := byType[tradeType]
	if !ok {
		return Outcome{Reason: fmt.Sprintf("unknown trade type %s", tradeType)}
	}
	if r.next == "" {
		return Outcome{Reason: r.reason}
	}
	return Outcome{Allowed: true, Next: r.next, Change: r.change}
}

// Transition resolves the resulting status. flat reports whether the
// position holds no quantity after the trade; it only matters for DECREASE,
// which terminates a flat position.
func Transition(current model.Status, tradeType model.TradeType, flat bool) Outcome {
	out := Check(current, tradeType)
	if out.Allowed && tradeType == model.TradeDecrease && flat {
		out.Next = model.StatusTerminated
		out.Change = model.ChangeTerminated
	}
	return out
}
