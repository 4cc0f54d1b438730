package orchestrator

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUnlabeled, StateRequested, true},
		{StateUnlabeled, StateDeferred, true},
		{StateUnlabeled, StatePersisted, false},
		{StateRequested, StateValid, true},
		{StateRequested, StateHumanQueue, true},
		{StateRequested, StatePersisted, false},
		{StateRequested, StateFailed, true},
		{StateValid, StatePersisted, true},
		{StateValid, StateFailed, true},
		{StateInvalid, StateHumanQueue, true},
		{StateInvalid, StatePersisted, false},
		{StateBudgetExceeded, StateDeferred, true},
		{StatePersisted, StateRequested, false},
		{StateDeferred, StateRequested, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{StatePersisted, StateHumanQueue, StateDeferred, StateFailed} {
		if !Terminal(s) {
			t.Errorf("%s should be terminal", s)
		}
		if StateDescription(s) == "Unknown state" {
			t.Errorf("%s has no description", s)
		}
	}
	for _, s := range []State{StateUnlabeled, StateRequested, StateValid, StateInvalid, StateBudgetExceeded} {
		if Terminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
