// Package artifact persists every generated output of a task: versioned
// role artifacts (specs, plans, patches, reviews, test results),
// content-addressed blobs, and the pre-mutation snapshot manifests that make
// patches reversible. Artifacts are append-only; a revision never replaces
// an earlier one.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"loom/internal/diff"
	xerrors "loom/internal/errors"
	"loom/internal/filestore"
	"loom/internal/shared/jsonx"
	"loom/internal/task"
)

// ErrArtifactNotFound reports a missing (task, kind, version) artifact.
var ErrArtifactNotFound = errors.New("artifact not found")

// Envelope wraps one persisted artifact version.
type Envelope struct {
	TaskID    string            `json:"task_id"`
	Kind      task.ArtifactKind `json:"kind"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Payload   jsonx.RawMessage  `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := jsonx.Unmarshal(e.Payload, v); err != nil {
		return xerrors.NewFatalError(
			fmt.Errorf("decode %s v%d for %s: %w", e.Kind, e.Version, e.TaskID, err),
			"artifact payload is unreadable")
	}
	return nil
}

// Text renders the payload for diffing and display: plain string payloads
// as-is, anything else as indented JSON.
func (e *Envelope) Text() string {
	var s string
	if err := jsonx.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	pretty, err := filestore.MarshalJSONIndent(e.Payload)
	if err != nil {
		return string(e.Payload)
	}
	return string(pretty)
}

// VersionInfo is listing metadata for one stored version.
type VersionInfo struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Bytes     int64     `json:"bytes"`
}

// Store is the file-backed artifact store. A single mutex serializes version
// allocation; reads go straight to disk.
type Store struct {
	mu      sync.RWMutex
	baseDir string
	blobs   *BlobStore
	diffGen *diff.Generator
	now     func() time.Time
}

// NewStore opens an artifact store rooted at dataDir. A nil generator gets
// plain three-line-context diffs.
func NewStore(dataDir string, gen *diff.Generator) (*Store, error) {
	blobs, err := NewBlobStore(filepath.Join(dataDir, "blobs"), 0)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		gen = diff.NewGenerator(3, false)
	}
	if err := filestore.EnsureDir(filepath.Join(dataDir, "tasks")); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{
		baseDir: dataDir,
		blobs:   blobs,
		diffGen: gen,
		now:     time.Now,
	}, nil
}

// Blobs exposes the content-addressed blob store snapshots write through.
func (s *Store) Blobs() *BlobStore {
	return s.blobs
}

func (s *Store) kindDir(taskID string, kind task.ArtifactKind) string {
	return filepath.Join(s.baseDir, "tasks", taskID, "artifacts", string(kind))
}

func versionFilename(version int) string {
	return fmt.Sprintf("v%06d.json", version)
}

func parseVersionFilename(name string) (int, bool) {
	if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	value, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
	if err != nil || value < 1 {
		return 0, false
	}
	return value, true
}

// Put appends payload as the next version for (taskID, kind) and returns the
// version it was stored under. Versions start at 1.
func (s *Store) Put(ctx context.Context, taskID string, kind task.ArtifactKind, payload any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestVersionLocked(taskID, kind)
	if err != nil {
		return 0, err
	}
	version := latest + 1
	envelope := Envelope{
		TaskID:    taskID,
		Kind:      kind,
		Version:   version,
		CreatedAt: s.now().UTC(),
		Payload:   raw,
	}
	path := filepath.Join(s.kindDir(taskID, kind), versionFilename(version))
	if _, statErr := os.Stat(path); statErr == nil {
		return 0, fmt.Errorf("artifact %s v%d for %s already exists", kind, version, taskID)
	}
	if err := filestore.WriteJSON(path, envelope, 0o644); err != nil {
		return 0, fmt.Errorf("write artifact %s v%d: %w", kind, version, err)
	}
	return version, nil
}

// Get returns one stored version.
func (s *Store) Get(ctx context.Context, taskID string, kind task.ArtifactKind, version int) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(taskID, kind, version)
}

func (s *Store) read(taskID string, kind task.ArtifactKind, version int) (*Envelope, error) {
	path := filepath.Join(s.kindDir(taskID, kind), versionFilename(version))
	var envelope Envelope
	if err := filestore.ReadJSON(path, &envelope); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %s v%d", ErrArtifactNotFound, taskID, kind, version)
		}
		return nil, xerrors.NewFatalError(err, fmt.Sprintf("artifact %s v%d is unreadable", kind, version))
	}
	return &envelope, nil
}

// Latest returns the highest stored version, or ErrArtifactNotFound.
func (s *Store) Latest(ctx context.Context, taskID string, kind task.ArtifactKind) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest, err := s.latestVersionLocked(taskID, kind)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrArtifactNotFound, taskID, kind)
	}
	return s.read(taskID, kind, latest)
}

// LatestVersion returns the highest stored version, 0 when none exist.
func (s *Store) LatestVersion(ctx context.Context, taskID string, kind task.ArtifactKind) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestVersionLocked(taskID, kind)
}

func (s *Store) latestVersionLocked(taskID string, kind task.ArtifactKind) (int, error) {
	versions, err := s.versionsLocked(taskID, kind)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}

func (s *Store) versionsLocked(taskID string, kind task.ArtifactKind) ([]int, error) {
	entries, err := os.ReadDir(s.kindDir(taskID, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s artifacts: %w", kind, err)
	}
	versions := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if v, ok := parseVersionFilename(entry.Name()); ok {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// List returns metadata for every stored version, oldest first.
func (s *Store) List(ctx context.Context, taskID string, kind task.ArtifactKind) ([]VersionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, err := s.versionsLocked(taskID, kind)
	if err != nil {
		return nil, err
	}
	infos := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		envelope, err := s.read(taskID, kind, v)
		if err != nil {
			return nil, err
		}
		infos = append(infos, VersionInfo{
			Version:   envelope.Version,
			CreatedAt: envelope.CreatedAt,
			Bytes:     int64(len(envelope.Payload)),
		})
	}
	return infos, nil
}

// Kinds returns every artifact kind stored for a task, sorted by name.
func (s *Store) Kinds(ctx context.Context, taskID string) ([]task.ArtifactKind, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "tasks", taskID, "artifacts"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifact kinds: %w", err)
	}
	kinds := make([]task.ArtifactKind, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			kinds = append(kinds, task.ArtifactKind(entry.Name()))
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds, nil
}

// Diff renders a unified diff between two versions of an artifact.
func (s *Store) Diff(ctx context.Context, taskID string, kind task.ArtifactKind, a, b int) (*diff.DiffResult, error) {
	older, err := s.Get(ctx, taskID, kind, a)
	if err != nil {
		return nil, err
	}
	newer, err := s.Get(ctx, taskID, kind, b)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s/v%d..v%d", kind, a, b)
	return s.diffGen.GenerateUnified(older.Text(), newer.Text(), name)
}
