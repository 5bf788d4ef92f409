package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	xerrors "loom/internal/errors"
	"loom/internal/filestore"
	"loom/internal/task"
)

// Manifest sentinels.
var (
	ErrManifestNotFound = errors.New("snapshot manifest not found")
	ErrManifestExists   = errors.New("snapshot manifest already exists")
)

// Manifest records everything needed to undo one patch version: the ordered
// operation list and a pre-mutation snapshot per touched path. It is written
// before the first workspace mutation, so rollback survives a crash
// mid-apply.
type Manifest struct {
	TaskID       string          `json:"task_id"`
	PatchVersion int             `json:"patch_version"`
	CreatedAt    time.Time       `json:"created_at"`
	Ops          []task.Op       `json:"ops"`
	Snapshots    []task.Snapshot `json:"snapshots"`
}

// Snapshot returns the snapshot for path, if the manifest holds one.
func (m *Manifest) Snapshot(path string) (task.Snapshot, bool) {
	for _, snap := range m.Snapshots {
		if snap.Path == path {
			return snap, true
		}
	}
	return task.Snapshot{}, false
}

func (s *Store) manifestPath(taskID string, patchVersion int) string {
	return filepath.Join(s.baseDir, "tasks", taskID, "snapshots",
		fmt.Sprintf("v%06d", patchVersion), "manifest.json")
}

// SaveManifest persists a manifest. Manifests are write-once: a second save
// for the same patch version fails rather than silently replacing rollback
// data.
func (s *Store) SaveManifest(ctx context.Context, m *Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.TaskID == "" || m.PatchVersion < 1 {
		return fmt.Errorf("manifest requires a task id and a positive patch version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.manifestPath(m.TaskID, m.PatchVersion)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s v%d", ErrManifestExists, m.TaskID, m.PatchVersion)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat manifest: %w", err)
	}

	stored := *m
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	if err := filestore.WriteJSON(path, stored, 0o644); err != nil {
		return fmt.Errorf("write manifest %s v%d: %w", m.TaskID, m.PatchVersion, err)
	}
	return nil
}

// LoadManifest returns the manifest for one patch version.
func (s *Store) LoadManifest(ctx context.Context, taskID string, patchVersion int) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Manifest
	if err := filestore.ReadJSON(s.manifestPath(taskID, patchVersion), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s v%d", ErrManifestNotFound, taskID, patchVersion)
		}
		return nil, xerrors.NewFatalError(err,
			fmt.Sprintf("snapshot manifest v%d is unreadable", patchVersion))
	}
	return &m, nil
}

// HasManifest reports whether a manifest exists for one patch version.
func (s *Store) HasManifest(ctx context.Context, taskID string, patchVersion int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(s.manifestPath(taskID, patchVersion)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
