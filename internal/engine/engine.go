// Package engine drives tasks through the orchestration state machine. Each
// iteration works exactly one state: it invokes the role that state consumes,
// persists the produced artifact, and commits one durable transition. A
// process crash at any point is recoverable because nothing observable
// happens between an artifact persist and the transition that incorporates
// it that a re-entry cannot reproduce or reuse.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/artifact"
	"loom/internal/diff"
	xerrors "loom/internal/errors"
	"loom/internal/gate"
	"loom/internal/id"
	"loom/internal/patch"
	"loom/internal/research"
	"loom/internal/role"
	"loom/internal/shared/logging"
	"loom/internal/task"
)

// TaskFailedError reports a run that settled in FAILED rather than DONE.
// Callers distinguish it from infrastructure errors: the task record is
// terminal and will not be picked up by resume.
type TaskFailedError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *TaskFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

func (e *TaskFailedError) Unwrap() error { return e.Err }

// Config bounds the engine's loops and budgets. Zero values for the bounds
// fall back to the defaults below, so a literal Config{} behaves like
// DefaultConfig.
type Config struct {
	// MaxSpecRepairs bounds the specification repair loop. The max+1'th
	// rejection ends the task.
	MaxSpecRepairs int
	// MaxPatchRepairs bounds the patch repair loop, shared by review
	// rejections, apply failures, and test failures.
	MaxPatchRepairs int
	// LeaseTTL is how long a claim on a task stays valid without renewal.
	LeaseTTL time.Duration
	// Temperature is forwarded to every role invocation.
	Temperature float64
	// MaxContextTokens budgets the serialized role request; large sections
	// are trimmed to fit. Negative disables trimming.
	MaxContextTokens int
	// ResearchMaxURLs caps how many specification URLs the researcher
	// verifies per review.
	ResearchMaxURLs int
	// Owner identifies this runner in lease records. Defaults to a fresh
	// runner ID.
	Owner string
	// Retry governs in-place retries of transient role, apply, and gate
	// failures.
	Retry xerrors.RetryConfig
}

// DefaultConfig returns the bounds the CLI ships with.
func DefaultConfig() Config {
	return Config{
		MaxSpecRepairs:   2,
		MaxPatchRepairs:  3,
		LeaseTTL:         60 * time.Second,
		Temperature:      0.2,
		MaxContextTokens: 24000,
		ResearchMaxURLs:  5,
		Retry:            xerrors.DefaultRetryConfig(),
	}
}

// Dependencies carries the engine's collaborators. Store, Artifacts,
// Applier, Gateway, and Gate are required; the rest default sensibly.
type Dependencies struct {
	Store     task.Store
	Artifacts *artifact.Store
	Applier   *patch.Applier
	Gateway   role.Gateway
	Gate      *gate.Runner

	// Researcher verifies specification URLs for the spec critic. Nil
	// disables reference checking.
	Researcher research.Researcher
	// DiffGen renders the patch preview for review. Defaults to a plain
	// generator with three context lines.
	DiffGen *diff.Generator
	Logger  logging.Logger
	// Metrics defaults to the collectors on the global Prometheus registry.
	Metrics *Metrics
	// Clock defaults to time.Now. Injected by tests.
	Clock func() time.Time
}

// Engine is the orchestrator. One engine serves any number of tasks; all
// per-task state lives in the store.
type Engine struct {
	cfg        Config
	store      task.Store
	artifacts  *artifact.Store
	applier    *patch.Applier
	gateway    role.Gateway
	gate       *gate.Runner
	researcher research.Researcher
	diffGen    *diff.Generator
	logger     logging.Logger
	metrics    *Metrics
	clock      func() time.Time
}

// New validates the dependency set and returns a ready engine.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: task store is required")
	case deps.Artifacts == nil:
		return nil, errors.New("engine: artifact store is required")
	case deps.Applier == nil:
		return nil, errors.New("engine: patch applier is required")
	case deps.Gateway == nil:
		return nil, errors.New("engine: role gateway is required")
	case deps.Gate == nil:
		return nil, errors.New("engine: gate runner is required")
	}

	def := DefaultConfig()
	if cfg.MaxSpecRepairs <= 0 {
		cfg.MaxSpecRepairs = def.MaxSpecRepairs
	}
	if cfg.MaxPatchRepairs <= 0 {
		cfg.MaxPatchRepairs = def.MaxPatchRepairs
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	if cfg.ResearchMaxURLs <= 0 {
		cfg.ResearchMaxURLs = def.ResearchMaxURLs
	}
	if cfg.Owner == "" {
		cfg.Owner = id.NewRunnerID()
	}
	if cfg.Retry == (xerrors.RetryConfig{}) {
		cfg.Retry = def.Retry
	}

	diffGen := deps.DiffGen
	if diffGen == nil {
		diffGen = diff.NewGenerator(3, false)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		cfg:        cfg,
		store:      deps.Store,
		artifacts:  deps.Artifacts,
		applier:    deps.Applier,
		gateway:    deps.Gateway,
		gate:       deps.Gate,
		researcher: deps.Researcher,
		diffGen:    diffGen,
		logger:     logging.OrNop(deps.Logger),
		metrics:    metrics,
		clock:      clock,
	}, nil
}

// Owner returns the lease owner identity this engine claims tasks with.
func (e *Engine) Owner() string { return e.cfg.Owner }

// Create registers a new task for the objective and persists its initial
// record. The task starts pending in the initial state; Run picks it up.
func (e *Engine) Create(ctx context.Context, objective string) (*task.Task, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return nil, errors.New("engine: objective is empty")
	}
	t := task.New(id.NewTaskID(), objective)
	tc := task.NewContext(objective)
	if err := e.store.Create(ctx, t, tc); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	e.logger.Info("task %s created: %s", t.ID, objective)
	return t, nil
}

// Run drives the task until it reaches a terminal state or the context is
// cancelled. It returns nil when the task ends in DONE, a *TaskFailedError
// when it ends in FAILED, and the cancellation error when interrupted; an
// interrupted task stays pending and resumable.
//
// The run holds the task's lease throughout and renews it every iteration,
// so two runners never drive the same task concurrently.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	claimed, err := e.store.TryClaimTask(ctx, taskID, e.cfg.Owner, e.clock().Add(e.cfg.LeaseTTL))
	if err != nil {
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !claimed {
		return fmt.Errorf("task %s: %w", taskID, task.ErrLeaseHeld)
	}
	defer func() {
		// Release must survive the run's own cancellation.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.ReleaseTaskLease(releaseCtx, taskID, e.cfg.Owner); err != nil {
			e.logger.Warn("task %s: release lease: %v", taskID, err)
		}
	}()

	e.metrics.IncActiveTasks()
	defer e.metrics.DecActiveTasks()
	e.logger.Info("task %s: run started by %s", taskID, e.cfg.Owner)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, tc, err := e.store.Load(ctx, taskID)
		if err != nil {
			if xerrors.IsFatal(err) {
				reason := fmt.Sprintf("task record unreadable: %v", err)
				if markErr := e.store.MarkFailed(ctx, taskID, reason); markErr != nil {
					e.logger.Error("task %s: mark failed: %v", taskID, markErr)
				}
				e.metrics.IncTaskOutcome(string(task.StatusFailed))
				return &TaskFailedError{TaskID: taskID, Reason: reason, Err: err}
			}
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		switch t.State {
		case task.StateDone:
			e.logger.Info("task %s: done", taskID)
			return nil
		case task.StateFailed:
			return &TaskFailedError{TaskID: taskID, Reason: t.Reason}
		}
		renewed, err := e.store.RenewTaskLease(ctx, taskID, e.cfg.Owner, e.clock().Add(e.cfg.LeaseTTL))
		if err != nil {
			return fmt.Errorf("renew lease for %s: %w", taskID, err)
		}
		if !renewed {
			return fmt.Errorf("task %s: lease lost to another runner", taskID)
		}
		if stepErr := e.step(ctx, t, tc); stepErr != nil {
			return e.settle(ctx, t, tc, stepErr)
		}
	}
}

// Step executes exactly one transition and returns the state the task landed
// in. It is the unit Run iterates. Step takes no lease; concurrent runners
// must coordinate through Run.
func (e *Engine) Step(ctx context.Context, taskID string) (task.State, error) {
	t, tc, err := e.store.Load(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.State.IsTerminal() {
		return t.State, fmt.Errorf("task %s already settled in %s", taskID, t.State)
	}
	if err := e.step(ctx, t, tc); err != nil {
		return t.State, err
	}
	after, _, err := e.store.Load(ctx, taskID)
	if err != nil {
		return "", err
	}
	return after.State, nil
}

// stepOutcome is what a state handler reports: a guard for the machine to
// resolve, or a direct jump to FAILED when no guard covers the situation.
type stepOutcome struct {
	guard  task.Guard
	target task.State
	reason string
}

func guardOutcome(g task.Guard) stepOutcome { return stepOutcome{guard: g} }

func guardReason(g task.Guard, reason string) stepOutcome {
	return stepOutcome{guard: g, reason: reason}
}

func failOutcome(reason string) stepOutcome {
	return stepOutcome{target: task.StateFailed, reason: reason}
}

// step works the task's current state and commits the resulting transition.
// Handlers mutate a clone of the context; the caller's copy stays pristine
// so a handler error leaves no trace of the attempt.
func (e *Engine) step(ctx context.Context, t *task.Task, tc *task.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := e.clock()
	next := tc.Clone()

	var outcome stepOutcome
	var err error
	switch t.State {
	case task.StateSpec, task.StateSpecRepair:
		outcome, err = e.handleDraftSpec(ctx, t, next)
	case task.StateSpecReview:
		outcome, err = e.handleSpecReview(ctx, t, next)
	case task.StatePlan:
		outcome, err = e.handlePlan(ctx, t, next)
	case task.StatePatch, task.StateRepairPatch:
		outcome, err = e.handleDraftPatch(ctx, t, next)
	case task.StateApply:
		outcome, err = e.handleApply(ctx, t, next)
	case task.StatePatchReview:
		outcome, err = e.handlePatchReview(ctx, t, next)
	case task.StateTest:
		outcome, err = e.handleTest(ctx, t, next)
	default:
		return xerrors.NewFatalError(fmt.Errorf("state %q", t.State), "no handler for state")
	}
	if err != nil {
		e.metrics.ObserveStateDuration(string(t.State), "error", e.clock().Sub(started))
		return err
	}

	target := outcome.target
	if outcome.guard != "" {
		target, err = task.NextState(t.State, outcome.guard)
		if err != nil {
			return xerrors.NewFatalError(err, "state machine rejected the transition")
		}
	}
	if err := e.commit(ctx, t, next, target, outcome.guard, outcome.reason); err != nil {
		return err
	}
	e.metrics.ObserveStateDuration(string(t.State), outcomeLabel(outcome), e.clock().Sub(started))
	return nil
}

func outcomeLabel(o stepOutcome) string {
	if o.guard != "" {
		return string(o.guard)
	}
	return "forced_failure"
}

// commit is the engine's single mutation point. Repair counters move here,
// exactly once per transition, then the store persists the new state and
// context atomically.
func (e *Engine) commit(ctx context.Context, t *task.Task, tc *task.Context, next task.State, guard task.Guard, reason string) error {
	switch next {
	case task.StateSpecRepair:
		tc.SpecRepairs++
		e.metrics.IncRepairRound("spec")
	case task.StateRepairPatch:
		tc.PatchRepairs++
		e.metrics.IncRepairRound("patch")
	case task.StatePlan:
		tc.SpecRepairs = 0
	case task.StateDone:
		tc.PatchRepairs = 0
	}

	opts := make([]task.TransitionOption, 0, 2)
	if guard != "" {
		opts = append(opts, task.WithTransitionGuard(guard))
	}
	if reason != "" {
		opts = append(opts, task.WithTransitionReason(reason))
	}
	if err := e.store.CommitTransition(ctx, t.ID, next, tc, opts...); err != nil {
		return fmt.Errorf("commit %s -> %s for %s: %w", t.State, next, t.ID, err)
	}

	if guard != "" {
		e.logger.Info("task %s: %s -> %s on %s", t.ID, t.State, next, guard)
	} else {
		e.logger.Info("task %s: %s -> %s (%s)", t.ID, t.State, next, reason)
	}
	switch next {
	case task.StateDone:
		e.metrics.IncTaskOutcome(string(task.StatusSucceeded))
	case task.StateFailed:
		e.metrics.IncTaskOutcome(string(task.StatusFailed))
	}
	return nil
}

// settle maps a step error onto the task record. Cancellation leaves the
// task pending for a later resume; everything else is terminal and commits
// (or, when even that fails, force-writes) a FAILED record.
func (e *Engine) settle(ctx context.Context, t *task.Task, tc *task.Context, stepErr error) error {
	if errors.Is(stepErr, context.Canceled) || errors.Is(stepErr, context.DeadlineExceeded) {
		e.logger.Info("task %s: run interrupted in %s, task stays resumable: %v", t.ID, t.State, stepErr)
		return stepErr
	}
	reason := failureReason(stepErr)
	if err := e.commit(ctx, t, tc, task.StateFailed, "", reason); err != nil {
		e.logger.Error("task %s: record failure: %v", t.ID, err)
		if markErr := e.store.MarkFailed(ctx, t.ID, reason); markErr != nil {
			e.logger.Error("task %s: mark failed: %v", t.ID, markErr)
		}
	}
	return &TaskFailedError{TaskID: t.ID, Reason: reason, Err: stepErr}
}

func failureReason(stepErr error) string {
	if xerrors.IsTransient(stepErr) {
		return fmt.Sprintf("transient retries exhausted: %v", stepErr)
	}
	return stepErr.Error()
}
