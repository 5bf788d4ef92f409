package task

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by Store implementations.
var (
	// ErrTaskNotFound reports an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists reports a Create for an ID that is already stored.
	ErrTaskExists = errors.New("task already exists")
	// ErrLeaseHeld reports that another live runner owns the task.
	ErrLeaseHeld = errors.New("task lease held by another runner")
)

// Store is the durable task persistence port.
//
// CommitTransition is the atomicity boundary of the whole engine: the new
// state and the new context land together or not at all, so a reader never
// observes a state inconsistent with its context.
type Store interface {
	// Create persists a new task with its initial context.
	Create(ctx context.Context, t *Task, tc *Context) error

	// Load retrieves a task and the context committed with its current state.
	// Unreadable records surface as fatal errors.
	Load(ctx context.Context, taskID string) (*Task, *Context, error)

	// CommitTransition atomically records the next state with its context and
	// appends a transition record to the audit trail. Commits into DONE or
	// FAILED also settle the terminal status.
	CommitTransition(ctx context.Context, taskID string, next State, tc *Context, opts ...TransitionOption) error

	// MarkFailed force-writes a terminal failed record without reading the
	// existing one. Used when the stored record is corrupt.
	MarkFailed(ctx context.Context, taskID, reason string) error

	// FindResumable returns IDs of tasks whose status is still pending,
	// sorted by creation order.
	FindResumable(ctx context.Context) ([]string, error)

	// List returns every task, oldest first.
	List(ctx context.Context) ([]*Task, error)

	// Transitions returns the audit trail for a task, oldest first.
	Transitions(ctx context.Context, taskID string) ([]Transition, error)

	// TryClaimTask tries to claim task ownership for execution. Returns true
	// when the claim succeeds, false when another live runner owns the task.
	TryClaimTask(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error)

	// RenewTaskLease extends the lease for a task owned by ownerID.
	RenewTaskLease(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error)

	// ReleaseTaskLease releases ownership for a task when execution exits.
	ReleaseTaskLease(ctx context.Context, taskID, ownerID string) error
}
