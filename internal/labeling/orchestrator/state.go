package orchestrator

import (
	"errors"
	"time"
)

// State is where one review sits in a labeling attempt.
type State string

const (
	StateUnlabeled      State = "UNLABELED"
	StateRequested      State = "REQUESTED"
	StateValid          State = "VALID"
	StateInvalid        State = "INVALID"
	StateBudgetExceeded State = "BUDGET_EXCEEDED"
	StatePersisted      State = "PERSISTED"
	StateHumanQueue     State = "HUMAN_QUEUE"
	StateDeferred       State = "DEFERRED"
	StateFailed         State = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateUnlabeled: {StateRequested, StateDeferred},
	StateRequested: {
		StateValid,
		StateInvalid,
		StateBudgetExceeded,
		StateHumanQueue,
		StateDeferred,
		StateFailed,
	},
	StateValid:          {StatePersisted, StateFailed},
	StateInvalid:        {StateHumanQueue, StateFailed},
	StateBudgetExceeded: {StateDeferred},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func Terminal(s State) bool {
	_, ok := ValidTransitions[s]
	return !ok
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateUnlabeled:
		return "Unlabeled - fetched, no provider called yet"
	case StateRequested:
		return "Requested - walking the provider chain"
	case StateValid:
		return "Valid - label passed validation"
	case StateInvalid:
		return "Invalid - label failed validation"
	case StateBudgetExceeded:
		return "Budget exceeded - daily budget refused the call"
	case StatePersisted:
		return "Persisted - label stored, review marked labeled"
	case StateHumanQueue:
		return "Human queue - waiting for manual labeling"
	case StateDeferred:
		return "Deferred - left for a later run"
	case StateFailed:
		return "Failed - persistence retries exhausted"
	default:
		return "Unknown state"
	}
}
