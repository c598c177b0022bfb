package lifecycle

import (
	"testing"

	"github.com/atmx/position-ledger/internal/model"
)

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		name    string
		current model.Status
		trade   model.TradeType
		flat    bool
		allowed bool
		next    model.Status
		change  model.ChangeType
		reason  string
	}{
		{"create", model.StatusNoPosition, model.TradeNew, false, true, model.StatusActive, model.ChangeCreated, ""},
		{"increase on nothing", model.StatusNoPosition, model.TradeIncrease, false, false, "", "", "Only NEW_TRADE allowed on non-existent position"},
		{"decrease on nothing", model.StatusNoPosition, model.TradeDecrease, false, false, "", "", "Only NEW_TRADE allowed on non-existent position"},
		{"new on active", model.StatusActive, model.TradeNew, false, false, "", "", "NEW_TRADE not allowed on ACTIVE position"},
		{"increase", model.StatusActive, model.TradeIncrease, false, true, model.StatusActive, model.ChangeNone, ""},
		{"partial decrease", model.StatusActive, model.TradeDecrease, false, true, model.StatusActive, model.ChangeNone, ""},
		{"closing decrease", model.StatusActive, model.TradeDecrease, true, true, model.StatusTerminated, model.ChangeTerminated, ""},
		{"reopen", model.StatusTerminated, model.TradeNew, false, true, model.StatusActive, model.ChangeReopened, ""},
		{"increase on terminated", model.StatusTerminated, model.TradeIncrease, false, false, "", "", "Only NEW_TRADE allowed on TERMINATED position"},
		{"decrease on terminated", model.StatusTerminated, model.TradeDecrease, false, false, "", "", "Only NEW_TRADE allowed on TERMINATED position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Transition(tt.current, tt.trade, tt.flat)
			if out.Allowed != tt.allowed {
				t.Fatalf("allowed=%v, expected %v (%s)", out.Allowed, tt.allowed, out.Reason)
			}
			if out.Next != tt.next {
				t.Errorf("next=%s, expected %s", out.Next, tt.next)
			}
			if out.Change != tt.change {
				t.Errorf("change=%s, expected %s", out.Change, tt.change)
			}
			if out.Reason != tt.reason {
				t.Errorf("reason=%q, expected %q", out.Reason, tt.reason)
			}
		})
	}
}

func TestTransition_FlatIgnoredOutsideDecrease(t *testing.T) {
	out := Transition(model.StatusActive, model.TradeIncrease, true)
	if out.Next != model.StatusActive {
		t.Errorf("INCREASE must never terminate, got %s", out.Next)
	}
}

func TestCheck_UnknownInputs(t *testing.T) {
	if out := Check(model.StatusActive, model.TradeType("SWAP")); out.Allowed {
		t.Error("unknown trade type must be rejected")
	}
	if out := Check(model.Status("FROZEN"), model.TradeNew); out.Allowed {
		t.Error("unknown status must be rejected")
	}
}
