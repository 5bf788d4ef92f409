package task

import (
	"fmt"
	"sort"
)

// Guard identifies the evaluated outcome that selects the next state.
type Guard string

const (
	GuardSpecDrafted         Guard = "spec_drafted"
	GuardApproved            Guard = "approved"
	GuardRejectedRetry       Guard = "rejected_retry"
	GuardRejectedExhausted   Guard = "rejected_exhausted"
	GuardPlanDrafted         Guard = "plan_drafted"
	GuardPatchDrafted        Guard = "patch_drafted"
	GuardApplySucceeded      Guard = "apply_succeeded"
	GuardApplyFailed         Guard = "apply_failed"
	GuardTestPassed          Guard = "test_passed"
	GuardTestFailedRetry     Guard = "test_failed_retry"
	GuardTestFailedExhausted Guard = "test_failed_exhausted"
)

// transitions is the complete state machine. Every valid (state, guard) pair
// maps to exactly one next state; terminal states have no outgoing edges.
var transitions = map[State]map[Guard]State{
	StateSpec: {
		GuardSpecDrafted: StateSpecReview,
	},
	StateSpecReview: {
		GuardApproved:          StatePlan,
		GuardRejectedRetry:     StateSpecRepair,
		GuardRejectedExhausted: StateFailed,
	},
	StateSpecRepair: {
		GuardSpecDrafted: StateSpecReview,
	},
	StatePlan: {
		GuardPlanDrafted: StatePatch,
	},
	StatePatch: {
		GuardPatchDrafted: StateApply,
	},
	StateApply: {
		GuardApplySucceeded: StatePatchReview,
		GuardApplyFailed:    StateRepairPatch,
	},
	StatePatchReview: {
		GuardApproved:          StateTest,
		GuardRejectedRetry:     StateRepairPatch,
		GuardRejectedExhausted: StateFailed,
	},
	StateTest: {
		GuardTestPassed:          StateDone,
		GuardTestFailedRetry:     StateRepairPatch,
		GuardTestFailedExhausted: StateFailed,
	},
	StateRepairPatch: {
		GuardPatchDrafted: StateApply,
	},
}

// NextState resolves the transition for a (state, guard) pair.
func NextState(from State, guard Guard) (State, error) {
	guards, ok := transitions[from]
	if !ok {
		return "", fmt.Errorf("state %s has no outgoing transitions", from)
	}
	next, ok := guards[guard]
	if !ok {
		return "", fmt.Errorf("guard %s is not valid in state %s", guard, from)
	}
	return next, nil
}

// ValidGuards returns the guard outcomes defined for a state, sorted for
// deterministic iteration.
func ValidGuards(from State) []Guard {
	guards := make([]Guard, 0, len(transitions[from]))
	for guard := range transitions[from] {
		guards = append(guards, guard)
	}
	sort.Slice(guards, func(i, j int) bool { return guards[i] < guards[j] })
	return guards
}

// NonTerminalStates returns every state with outgoing transitions, sorted.
func NonTerminalStates() []State {
	states := make([]State, 0, len(transitions))
	for state := range transitions {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

// IsAllowedTransition reports whether a commit from -> to is legal. Besides
// the table edges, any live state may commit straight to FAILED: transient
// exhaustion and fatal store errors end the run from wherever they strike.
func IsAllowedTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
