// Package task defines the orchestration domain model and store port.
//
// It is the single source of truth for task lifecycle, the state machine
// transition table, and the accumulated per-task context that every
// transition persists. Storage backends implement the Store port.
package task

import (
	"time"
)

// Status represents the terminal lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// State identifies a position in the orchestration state machine.
type State string

const (
	StateSpec        State = "SPEC"
	StateSpecReview  State = "SPEC_REVIEW"
	StateSpecRepair  State = "SPEC_REPAIR"
	StatePlan        State = "PLAN"
	StatePatch       State = "PATCH"
	StateApply       State = "APPLY"
	StatePatchReview State = "PATCH_REVIEW"
	StateTest        State = "TEST"
	StateRepairPatch State = "REPAIR_PATCH"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// InitialState is where every new task begins.
const InitialState = StateSpec

// IsTerminal reports whether the state ends the run.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Valid reports whether s names a known state.
func (s State) Valid() bool {
	switch s {
	case StateSpec, StateSpecReview, StateSpecRepair, StatePlan, StatePatch,
		StateApply, StatePatchReview, StateTest, StateRepairPatch,
		StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// Task is one end-to-end orchestration run for a single objective.
type Task struct {
	ID        string    `json:"id"`
	Objective string    `json:"objective"`
	State     State     `json:"state"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a pending task positioned at the initial state.
func New(taskID, objective string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        taskID,
		Objective: objective,
		State:     InitialState,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition records one committed state change in the task lifecycle.
type Transition struct {
	TaskID    string    `json:"task_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Guard     Guard     `json:"guard,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TransitionParams holds optional fields for a CommitTransition call.
// Populated by TransitionOption functions.
type TransitionParams struct {
	Guard  Guard
	Reason string
}

// TransitionOption customises a CommitTransition call.
type TransitionOption func(*TransitionParams)

// WithTransitionGuard records which guard outcome selected the transition.
func WithTransitionGuard(guard Guard) TransitionOption {
	return func(p *TransitionParams) { p.Guard = guard }
}

// WithTransitionReason records why the state changed.
func WithTransitionReason(reason string) TransitionOption {
	return func(p *TransitionParams) { p.Reason = reason }
}

// ApplyTransitionOptions collects all options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}
