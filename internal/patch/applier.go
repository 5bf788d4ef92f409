// Package patch applies ordered file operations to the workspace with
// all-or-nothing semantics. Before the first mutation it persists a snapshot
// manifest of every touched path, so any failure, crash, or operator request
// can restore the exact pre-apply tree.
package patch

import (
	"context"
	"fmt"
	"io/fs"

	"loom/internal/artifact"
	xerrors "loom/internal/errors"
	"loom/internal/shared/logging"
	"loom/internal/task"
	"loom/internal/workspace"
)

// Applier owns the workspace during Apply and Rollback calls.
type Applier struct {
	ws     *workspace.Workspace
	store  *artifact.Store
	logger logging.Logger
}

// NewApplier wires an applier to its workspace and artifact store.
func NewApplier(ws *workspace.Workspace, store *artifact.Store, logger logging.Logger) *Applier {
	return &Applier{
		ws:     ws,
		store:  store,
		logger: logging.OrNop(logger),
	}
}

// Apply executes every operation of p, in order, as one atomic unit.
//
// It returns (true, nil) when the workspace holds the full post-patch tree.
// On (false, err) the workspace holds the pre-patch tree: precondition
// violations fail before any mutation, and mid-apply failures are rolled
// back from the persisted manifest. Transient errors mean nothing was
// mutated and the call can be retried as-is.
//
// Re-entry after a crash is safe: an existing manifest for patchVersion is
// replayed as a rollback before the operations run again.
func (a *Applier) Apply(ctx context.Context, taskID string, patchVersion int, p *task.Patch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := a.validate(p); err != nil {
		return false, err
	}

	recovered, err := a.store.HasManifest(ctx, taskID, patchVersion)
	if err != nil {
		return false, xerrors.NewTransientError(err, "check snapshot manifest")
	}

	var manifest *artifact.Manifest
	if recovered {
		// A manifest with no committed apply means a crash mid-apply.
		// Restore the pre-patch tree, then run the operations again.
		a.logger.Warn("found snapshot manifest for %s patch v%d, rolling back before re-apply",
			taskID, patchVersion)
		if err := a.Rollback(ctx, taskID, patchVersion); err != nil {
			return false, err
		}
		manifest, err = a.store.LoadManifest(ctx, taskID, patchVersion)
		if err != nil {
			return false, err
		}
	} else {
		manifest, err = a.capture(taskID, patchVersion, p)
		if err != nil {
			return false, err
		}
		if err := a.store.SaveManifest(ctx, manifest); err != nil {
			return false, xerrors.NewTransientError(err, "persist snapshot manifest")
		}
	}

	for i, op := range p.Ops {
		if err := a.applyOp(op, manifest); err != nil {
			a.logger.Warn("apply %s op %d (%s %s) failed: %v", taskID, i, op.Action, op.Path, err)
			if rbErr := a.rollbackOps(manifest, i+1); rbErr != nil {
				return false, xerrors.NewFatalError(
					fmt.Errorf("op %d (%s %s): %v; rollback failed: %w", i, op.Action, op.Path, err, rbErr),
					"workspace left partially mutated")
			}
			return false, fmt.Errorf("apply op %d (%s %s): %w", i, op.Action, op.Path, err)
		}
	}

	a.logger.Info("applied patch v%d for %s: %d ops", patchVersion, taskID, len(p.Ops))
	return true, nil
}

// validate checks every precondition before anything is touched.
func (a *Applier) validate(p *task.Patch) error {
	if p == nil || len(p.Ops) == 0 {
		return xerrors.NewStructuralError("", "patch has no operations")
	}
	seen := make(map[string]struct{}, len(p.Ops))
	for _, op := range p.Ops {
		abs, err := a.ws.Resolve(op.Path)
		if err != nil {
			return err
		}
		if _, dup := seen[abs]; dup {
			return xerrors.NewStructuralError(op.Path, "two operations target the same path")
		}
		seen[abs] = struct{}{}

		exists, err := a.ws.Exists(op.Path)
		if err != nil {
			return xerrors.NewTransientError(err, fmt.Sprintf("stat %s", op.Path))
		}
		switch op.Action {
		case task.OpCreate:
			if exists {
				return xerrors.NewStructuralError(op.Path, "create target already exists")
			}
		case task.OpEdit:
			if !exists {
				return xerrors.NewStructuralError(op.Path, "edit target does not exist")
			}
		case task.OpDelete:
			if !exists {
				return xerrors.NewStructuralError(op.Path, "delete target does not exist")
			}
			if op.Content != "" {
				return xerrors.NewStructuralError(op.Path, "delete carries content")
			}
		default:
			return xerrors.NewStructuralError(op.Path, fmt.Sprintf("unknown action %q", op.Action))
		}
	}
	return nil
}

// capture records the pre-mutation state of every target path. Blob writes
// before the manifest exists are transient; nothing references them yet.
func (a *Applier) capture(taskID string, patchVersion int, p *task.Patch) (*artifact.Manifest, error) {
	snapshots := make([]task.Snapshot, 0, len(p.Ops))
	for _, op := range p.Ops {
		exists, err := a.ws.Exists(op.Path)
		if err != nil {
			return nil, xerrors.NewTransientError(err, fmt.Sprintf("stat %s", op.Path))
		}
		if !exists {
			snapshots = append(snapshots, task.Snapshot{Path: op.Path})
			continue
		}
		content, err := a.ws.Read(op.Path)
		if err != nil {
			if xerrors.IsStructural(err) {
				return nil, err
			}
			return nil, xerrors.NewTransientError(err, fmt.Sprintf("snapshot %s", op.Path))
		}
		info, err := a.ws.Stat(op.Path)
		if err != nil {
			return nil, xerrors.NewTransientError(err, fmt.Sprintf("stat %s", op.Path))
		}
		key, err := a.store.Blobs().Put(content)
		if err != nil {
			return nil, xerrors.NewTransientError(err, fmt.Sprintf("store snapshot blob for %s", op.Path))
		}
		snapshots = append(snapshots, task.Snapshot{
			Path:    op.Path,
			Existed: true,
			Mode:    uint32(info.Mode().Perm()),
			BlobKey: key,
		})
	}
	return &artifact.Manifest{
		TaskID:       taskID,
		PatchVersion: patchVersion,
		Ops:          append([]task.Op(nil), p.Ops...),
		Snapshots:    snapshots,
	}, nil
}

func (a *Applier) applyOp(op task.Op, manifest *artifact.Manifest) error {
	switch op.Action {
	case task.OpCreate:
		return a.ws.Write(op.Path, []byte(op.Content), 0o644)
	case task.OpEdit:
		mode := fs.FileMode(0o644)
		if snap, ok := manifest.Snapshot(op.Path); ok && snap.Mode != 0 {
			mode = fs.FileMode(snap.Mode)
		}
		return a.ws.Write(op.Path, []byte(op.Content), mode)
	case task.OpDelete:
		return a.ws.Remove(op.Path)
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
}

// Rollback restores every path touched by patchVersion to its snapshot
// state. It is idempotent and usable independently of a failed Apply.
func (a *Applier) Rollback(ctx context.Context, taskID string, patchVersion int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	manifest, err := a.store.LoadManifest(ctx, taskID, patchVersion)
	if err != nil {
		return err
	}
	if err := a.rollbackOps(manifest, len(manifest.Ops)); err != nil {
		return err
	}
	a.logger.Info("rolled back patch v%d for %s: %d paths", patchVersion, taskID, len(manifest.Snapshots))
	return nil
}

// rollbackOps restores the first n operations' targets, last-applied first.
func (a *Applier) rollbackOps(manifest *artifact.Manifest, n int) error {
	if n > len(manifest.Ops) {
		n = len(manifest.Ops)
	}
	for i := n - 1; i >= 0; i-- {
		op := manifest.Ops[i]
		snap, ok := manifest.Snapshot(op.Path)
		if !ok {
			return fmt.Errorf("manifest for patch v%d has no snapshot for %s",
				manifest.PatchVersion, op.Path)
		}
		if err := a.restore(snap); err != nil {
			return fmt.Errorf("restore %s: %w", snap.Path, err)
		}
	}
	return nil
}

func (a *Applier) restore(snap task.Snapshot) error {
	if !snap.Existed {
		return a.ws.Remove(snap.Path)
	}
	content, err := a.store.Blobs().Get(snap.BlobKey)
	if err != nil {
		return err
	}
	mode := fs.FileMode(snap.Mode)
	if mode == 0 {
		mode = 0o644
	}
	return a.ws.Write(snap.Path, content, mode)
}

// Verify reports the paths the patch should have produced that are missing
// from the workspace. The gate runner uses it before running any commands.
func (a *Applier) Verify(p *task.Patch) ([]string, error) {
	var missing []string
	for _, path := range p.WrittenPaths() {
		exists, err := a.ws.Exists(path)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, path)
		}
	}
	return missing, nil
}
