// Package workspace provides rooted, sandboxed access to the file tree a
// task's patches mutate. Every read, write, listing, and delete goes through
// Resolve, so nothing operating on a task can reach outside the root.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "loom/internal/errors"
	"loom/internal/filestore"
)

// Limits bounds what single workspace operations may touch.
type Limits struct {
	// MaxReadBytes caps Read. Files above the cap are rejected rather than
	// truncated, since a partial snapshot could not be restored faithfully.
	MaxReadBytes int

	// MaxListEntries caps List; listings stop early and report truncation.
	MaxListEntries int

	// AllowedExtensions, when non-empty, restricts Write to the listed
	// extensions (".py" form, lowercase). Empty allows everything.
	AllowedExtensions []string
}

// DefaultLimits mirrors the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxReadBytes:   50_000,
		MaxListEntries: 300,
	}
}

// Entry is one listed file or directory, with a path relative to the root.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Workspace is a sandbox rooted at a single directory.
type Workspace struct {
	root         string
	limits       Limits
	deniedPrefix string
}

// New opens a workspace rooted at root, creating it if absent.
func New(root string, limits Limits) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := filestore.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if limits.MaxReadBytes <= 0 {
		limits.MaxReadBytes = DefaultLimits().MaxReadBytes
	}
	if limits.MaxListEntries <= 0 {
		limits.MaxListEntries = DefaultLimits().MaxListEntries
	}
	return &Workspace{root: abs, limits: limits}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// DenySubtree excludes a directory under the root from all operations. The
// orchestrator uses it when its own data directory lives inside the
// workspace, so a patch can never touch task records or blobs.
func (w *Workspace) DenySubtree(dir string) {
	rel, err := w.relative(dir)
	if err != nil || rel == "." {
		return
	}
	w.deniedPrefix = rel
}

// Resolve maps a workspace-relative path to an absolute one. Absolute paths,
// empty paths, and any form of traversal leaving the root are rejected.
func (w *Workspace) Resolve(rel string) (string, error) {
	trimmed := strings.TrimSpace(rel)
	if trimmed == "" {
		return "", xerrors.NewStructuralError(rel, "path cannot be empty")
	}
	if filepath.IsAbs(trimmed) {
		return "", xerrors.NewStructuralError(rel, "absolute paths are not allowed")
	}
	joined := filepath.Join(w.root, filepath.Clean(trimmed))
	clean, err := w.relative(joined)
	if err != nil {
		return "", xerrors.NewStructuralError(rel, "path escapes the workspace root")
	}
	if w.deniedPrefix != "" && underPrefix(clean, w.deniedPrefix) {
		return "", xerrors.NewStructuralError(rel, "path is inside the orchestrator data directory")
	}
	return joined, nil
}

// relative returns target relative to the root, erroring when it escapes.
func (w *Workspace) relative(target string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes %s", target, w.root)
	}
	return rel, nil
}

func underPrefix(rel, prefix string) bool {
	return rel == prefix || strings.HasPrefix(rel, prefix+string(filepath.Separator))
}

// Exists reports whether a path exists without reading it.
func (w *Workspace) Exists(rel string) (bool, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat returns file metadata for a path inside the root.
func (w *Workspace) Stat(rel string) (fs.FileInfo, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// Read returns the full content of a file. Files larger than the read limit
// are rejected so snapshots and previews always hold complete content.
func (w *Workspace) Read(rel string) ([]byte, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, xerrors.NewStructuralError(rel, "path is a directory")
	}
	if info.Size() > int64(w.limits.MaxReadBytes) {
		return nil, xerrors.NewStructuralError(rel,
			fmt.Sprintf("file is %d bytes, read limit is %d", info.Size(), w.limits.MaxReadBytes))
	}
	return os.ReadFile(abs)
}

// Write atomically writes a file, creating parent directories as needed.
func (w *Workspace) Write(rel string, data []byte, mode fs.FileMode) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := w.checkExtension(rel); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	return filestore.AtomicWrite(abs, data, mode)
}

func (w *Workspace) checkExtension(rel string) error {
	if len(w.limits.AllowedExtensions) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(rel))
	for _, allowed := range w.limits.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return xerrors.NewStructuralError(rel, fmt.Sprintf("extension %q is not allowed", ext))
}

// Remove deletes a file if present and prunes any directories the deletion
// left empty, up to but excluding the root. Removing a missing file is not
// an error; rollback relies on that when undoing a create.
func (w *Workspace) Remove(rel string) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	w.pruneEmptyParents(abs)
	return nil
}

func (w *Workspace) pruneEmptyParents(abs string) {
	for dir := filepath.Dir(abs); dir != w.root; dir = filepath.Dir(dir) {
		if rel, err := w.relative(dir); err != nil || rel == "." {
			return
		}
		// os.Remove refuses non-empty directories, which ends the walk.
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// List walks the tree under rel and returns entries sorted by path. Hidden
// names and the denied subtree are skipped. The boolean reports whether the
// entry limit cut the listing short.
func (w *Workspace) List(rel string) ([]Entry, bool, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return nil, false, err
	}

	var entries []Entry
	truncated := false
	err = filepath.WalkDir(abs, func(current string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if current == abs {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, relErr := w.relative(current)
		if relErr != nil {
			return relErr
		}
		if w.deniedPrefix != "" && underPrefix(relPath, w.deniedPrefix) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= w.limits.MaxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		entry := Entry{Path: relPath, IsDir: d.IsDir()}
		if info, infoErr := d.Info(); infoErr == nil && !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, truncated, nil
}
