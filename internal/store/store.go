// Package store is the file-backed implementation of the task.Store port.
//
// Layout under the data directory:
//
//	tasks/<id>/record.json       task + context, written as one atomic unit
//	tasks/<id>/transitions.jsonl append-only transition audit trail
//	tasks/<id>/lease.json        current execution lease, if any
//
// The record rename is the commit point. The audit append happens after it;
// a crash between the two loses at most one audit line, never state.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "loom/internal/errors"
	"loom/internal/filestore"
	"loom/internal/shared/jsonx"
	"loom/internal/shared/logging"
	"loom/internal/task"
)

// record is the on-disk unit CommitTransition writes atomically.
type record struct {
	Task    *task.Task    `json:"task"`
	Context *task.Context `json:"context"`
}

// lease is the on-disk exclusive execution claim for one task.
type lease struct {
	TaskID    string    `json:"task_id"`
	Owner     string    `json:"owner"`
	Until     time.Time `json:"until"`
	ClaimedAt time.Time `json:"claimed_at"`
}

func (l *lease) live(now time.Time) bool {
	return l.Owner != "" && l.Until.After(now)
}

// Store persists tasks as JSON files under a single data directory.
type Store struct {
	mu      sync.RWMutex
	baseDir string
	ownerID string
	logger  logging.Logger
	now     func() time.Time
}

var _ task.Store = (*Store)(nil)

// New opens a store rooted at dataDir. ownerID identifies this runner in
// lease checks; commits are refused while another live runner holds a task.
func New(dataDir, ownerID string, logger logging.Logger) (*Store, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if err := filestore.EnsureDir(filepath.Join(dataDir, "tasks")); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	return &Store{
		baseDir: dataDir,
		ownerID: ownerID,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}, nil
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.baseDir, "tasks", taskID)
}

func (s *Store) recordPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "record.json")
}

func (s *Store) transitionsPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "transitions.jsonl")
}

func (s *Store) leasePath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "lease.json")
}

// Create persists a new task with its initial context.
func (s *Store) Create(ctx context.Context, t *task.Task, tc *task.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.ID == "" {
		return fmt.Errorf("task with an ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.recordPath(t.ID)); err == nil {
		return fmt.Errorf("%w: %s", task.ErrTaskExists, t.ID)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat task record: %w", err)
	}
	if err := filestore.WriteJSON(s.recordPath(t.ID), record{Task: t, Context: tc}, 0o644); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}
	s.logger.Debug("created task %s at state %s", t.ID, t.State)
	return nil
}

// Load retrieves a task and the context committed with its current state.
func (s *Store) Load(ctx context.Context, taskID string) (*task.Task, *task.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(taskID)
}

func (s *Store) loadLocked(taskID string) (*task.Task, *task.Context, error) {
	var rec record
	if err := filestore.ReadJSON(s.recordPath(taskID), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
		}
		return nil, nil, xerrors.NewFatalError(err,
			fmt.Sprintf("task record for %s is unreadable", taskID))
	}
	if rec.Task == nil || rec.Task.ID == "" || !rec.Task.State.Valid() {
		return nil, nil, xerrors.NewFatalError(
			fmt.Errorf("record for %s has no valid task", taskID),
			fmt.Sprintf("task record for %s is corrupt", taskID))
	}
	if rec.Context == nil {
		rec.Context = task.NewContext("")
	}
	return rec.Task, rec.Context, nil
}

// CommitTransition atomically records the next state with its context.
func (s *Store) CommitTransition(ctx context.Context, taskID string, next task.State, tc *task.Context, opts ...task.TransitionOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := task.ApplyTransitionOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.loadLocked(taskID)
	if err != nil {
		return err
	}
	if !task.IsAllowedTransition(current.State, next) {
		return fmt.Errorf("illegal transition %s -> %s for %s", current.State, next, taskID)
	}
	if err := s.checkLeaseLocked(taskID); err != nil {
		return err
	}

	now := s.now().UTC()
	updated := *current
	updated.State = next
	updated.UpdatedAt = now
	switch {
	case next == task.StateDone:
		updated.Status = task.StatusSucceeded
		updated.Reason = params.Reason
	case next == task.StateFailed:
		updated.Status = task.StatusFailed
		updated.Reason = params.Reason
	default:
		updated.Status = task.StatusPending
	}

	if err := filestore.WriteJSON(s.recordPath(taskID), record{Task: &updated, Context: tc}, 0o644); err != nil {
		return fmt.Errorf("commit transition %s -> %s: %w", current.State, next, err)
	}

	s.appendTransitionLocked(task.Transition{
		TaskID:    taskID,
		From:      current.State,
		To:        next,
		Guard:     params.Guard,
		Reason:    params.Reason,
		CreatedAt: now,
	})
	s.logger.Debug("committed %s: %s -> %s (%s)", taskID, current.State, next, params.Guard)
	return nil
}

// checkLeaseLocked refuses writes while another live runner holds the task.
func (s *Store) checkLeaseLocked(taskID string) error {
	l, err := s.readLeaseLocked(taskID)
	if err != nil || l == nil {
		return err
	}
	if l.live(s.now()) && l.Owner != s.ownerID {
		return fmt.Errorf("%w: %s held by %s", task.ErrLeaseHeld, taskID, l.Owner)
	}
	return nil
}

func (s *Store) readLeaseLocked(taskID string) (*lease, error) {
	var l lease
	if err := filestore.ReadJSON(s.leasePath(taskID), &l); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		// An unreadable lease must not wedge the task forever.
		s.logger.Warn("lease for %s is unreadable, treating as released: %v", taskID, err)
		return nil, nil
	}
	return &l, nil
}

// appendTransitionLocked appends one line to the audit trail. Failures are
// logged, not returned: the record write above already committed the state.
func (s *Store) appendTransitionLocked(tr task.Transition) {
	line, err := jsonx.Marshal(tr)
	if err != nil {
		s.logger.Warn("encode transition for %s: %v", tr.TaskID, err)
		return
	}
	f, err := os.OpenFile(s.transitionsPath(tr.TaskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("open transition log for %s: %v", tr.TaskID, err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("append transition for %s: %v", tr.TaskID, err)
	}
}

// MarkFailed force-writes a terminal failed record. It works even when the
// stored record is corrupt, preserving whatever context is still readable.
func (s *Store) MarkFailed(ctx context.Context, taskID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	t, tc, err := s.loadLocked(taskID)
	if err != nil {
		if !xerrors.IsFatal(err) {
			return err
		}
		// Corrupt record: replace it with a minimal terminal one.
		t = &task.Task{ID: taskID, CreatedAt: now}
		tc = task.NewContext("")
	}
	from := t.State
	if t.State == task.StateDone {
		return fmt.Errorf("task %s already succeeded", taskID)
	}
	if t.State == task.StateFailed {
		return nil
	}

	updated := *t
	updated.State = task.StateFailed
	updated.Status = task.StatusFailed
	updated.Reason = reason
	updated.UpdatedAt = now
	if err := filestore.WriteJSON(s.recordPath(taskID), record{Task: &updated, Context: tc}, 0o644); err != nil {
		return fmt.Errorf("mark %s failed: %w", taskID, err)
	}
	s.appendTransitionLocked(task.Transition{
		TaskID:    taskID,
		From:      from,
		To:        task.StateFailed,
		Reason:    reason,
		CreatedAt: now,
	})
	s.logger.Warn("marked %s failed: %s", taskID, reason)
	return nil
}

// FindResumable returns IDs of non-terminal tasks in creation order.
// Unreadable records are skipped with a warning; resuming such a task
// individually surfaces the fatal error.
func (s *Store) FindResumable(ctx context.Context) ([]string, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// List returns every readable task, oldest first.
func (s *Store) List(ctx context.Context) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "tasks"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		t, _, err := s.loadLocked(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable task %s: %v", entry.Name(), err)
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Transitions returns the audit trail for a task, oldest first.
func (s *Store) Transitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := filestore.ReadFileOrEmpty(s.transitionsPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("read transition log: %w", err)
	}
	var out []task.Transition
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var tr task.Transition
		if err := jsonx.Unmarshal([]byte(line), &tr); err != nil {
			s.logger.Warn("skipping corrupt transition line for %s: %v", taskID, err)
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

// TryClaimTask claims execution ownership. Expired leases are claimable by
// anyone; live leases only by their current owner.
func (s *Store) TryClaimTask(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ownerID == "" {
		return false, fmt.Errorf("owner ID is required to claim a task")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.loadLocked(taskID); err != nil {
		return false, err
	}
	existing, err := s.readLeaseLocked(taskID)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.live(s.now()) && existing.Owner != ownerID {
		return false, nil
	}
	if err := s.writeLeaseLocked(taskID, ownerID, leaseUntil); err != nil {
		return false, err
	}
	return true, nil
}

// RenewTaskLease extends the lease while the same owner still holds it.
func (s *Store) RenewTaskLease(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLeaseLocked(taskID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Owner != ownerID {
		return false, nil
	}
	if err := s.writeLeaseLocked(taskID, ownerID, leaseUntil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) writeLeaseLocked(taskID, ownerID string, until time.Time) error {
	l := lease{
		TaskID:    taskID,
		Owner:     ownerID,
		Until:     until.UTC(),
		ClaimedAt: s.now().UTC(),
	}
	if err := filestore.WriteJSON(s.leasePath(taskID), l, 0o644); err != nil {
		return fmt.Errorf("write lease for %s: %w", taskID, err)
	}
	return nil
}

// ReleaseTaskLease drops ownership. Releasing an unheld lease is a no-op;
// releasing someone else's live lease is refused.
func (s *Store) ReleaseTaskLease(ctx context.Context, taskID, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLeaseLocked(taskID)
	if err != nil || existing == nil {
		return err
	}
	if existing.Owner != ownerID && existing.live(s.now()) {
		return fmt.Errorf("%w: %s held by %s", task.ErrLeaseHeld, taskID, existing.Owner)
	}
	if err := os.Remove(s.leasePath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lease for %s: %w", taskID, err)
	}
	return nil
}
