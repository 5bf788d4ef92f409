package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "loom/internal/errors"
	"loom/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestPutAssignsSequentialVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := store.Put(ctx, "task-1", task.KindSpec, "spec draft")
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if got != want {
			t.Fatalf("Put returned version %d, want %d", got, want)
		}
	}

	latest, err := store.LatestVersion(ctx, "task-1", task.KindSpec)
	if err != nil || latest != 3 {
		t.Fatalf("LatestVersion = %d, %v", latest, err)
	}

	// Other kinds and other tasks version independently.
	v, err := store.Put(ctx, "task-1", task.KindPlan, task.Plan{Steps: []string{"step"}})
	if err != nil || v != 1 {
		t.Fatalf("plan version = %d, %v", v, err)
	}
	v, err = store.Put(ctx, "task-2", task.KindSpec, "other")
	if err != nil || v != 1 {
		t.Fatalf("other task version = %d, %v", v, err)
	}
}

func TestGetAndLatestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	patch := task.Patch{
		Summary: "add fib",
		Ops:     []task.Op{{Action: task.OpCreate, Path: "fib.py", Content: "print(1)"}},
	}
	if _, err := store.Put(ctx, "task-1", task.KindPatch, patch); err != nil {
		t.Fatal(err)
	}
	patch.Summary = "add fib with validation"
	if _, err := store.Put(ctx, "task-1", task.KindPatch, patch); err != nil {
		t.Fatal(err)
	}

	latest, err := store.Latest(ctx, "task-1", task.KindPatch)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest version = %d, want 2", latest.Version)
	}
	var decoded task.Patch
	if err := latest.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Summary != "add fib with validation" || len(decoded.Ops) != 1 {
		t.Fatalf("decoded mismatch: %+v", decoded)
	}

	first, err := store.Get(ctx, "task-1", task.KindPatch, 1)
	if err != nil {
		t.Fatalf("Get v1: %v", err)
	}
	if first.Version != 1 || first.Kind != task.KindPatch || first.TaskID != "task-1" {
		t.Fatalf("envelope metadata mismatch: %+v", first)
	}
}

func TestMissingArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Latest(ctx, "task-1", task.KindSpec); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("Latest on empty store: %v", err)
	}
	if _, err := store.Get(ctx, "task-1", task.KindSpec, 7); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("Get missing version: %v", err)
	}
	v, err := store.LatestVersion(ctx, "task-1", task.KindSpec)
	if err != nil || v != 0 {
		t.Fatalf("LatestVersion on empty store = %d, %v", v, err)
	}
}

func TestListAndKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := store.Put(ctx, "task-1", task.KindSpec, "text"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Put(ctx, "task-1", task.KindPlan, task.Plan{}); err != nil {
		t.Fatal(err)
	}

	infos, err := store.List(ctx, "task-1", task.KindSpec)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 || infos[0].Version != 1 || infos[1].Version != 2 {
		t.Fatalf("List = %+v", infos)
	}
	if infos[0].Bytes == 0 || infos[0].CreatedAt.IsZero() {
		t.Fatalf("List metadata incomplete: %+v", infos[0])
	}

	kinds, err := store.Kinds(ctx, "task-1")
	if err != nil {
		t.Fatalf("Kinds: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != task.KindPlan || kinds[1] != task.KindSpec {
		t.Fatalf("Kinds = %v", kinds)
	}
}

func TestCorruptEnvelopeIsFatal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "task-1", task.KindSpec, "text"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(store.baseDir, "tasks", "task-1", "artifacts", "spec", "v000001.json")
	if err := os.WriteFile(path, []byte("{corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := store.Get(ctx, "task-1", task.KindSpec, 1)
	if !xerrors.IsFatal(err) {
		t.Fatalf("corrupt envelope should be fatal, got %v", err)
	}
}

func TestDiffBetweenVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "task-1", task.KindSpec, "line one\nline two\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, "task-1", task.KindSpec, "line one\nline two changed\n"); err != nil {
		t.Fatal(err)
	}

	result, err := store.Diff(ctx, "task-1", task.KindSpec, 1, 2)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !strings.Contains(result.UnifiedDiff, "-line two") ||
		!strings.Contains(result.UnifiedDiff, "+line two changed") {
		t.Fatalf("unexpected diff:\n%s", result.UnifiedDiff)
	}
}

func TestEnvelopeText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "task-1", task.KindSpec, "plain text spec"); err != nil {
		t.Fatal(err)
	}
	envelope, err := store.Latest(ctx, "task-1", task.KindSpec)
	if err != nil {
		t.Fatal(err)
	}
	if envelope.Text() != "plain text spec" {
		t.Fatalf("string payload should render as-is, got %q", envelope.Text())
	}

	if _, err := store.Put(ctx, "task-1", task.KindPlan, task.Plan{Summary: "s", Steps: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	planEnv, err := store.Latest(ctx, "task-1", task.KindPlan)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(planEnv.Text(), `"summary"`) {
		t.Fatalf("struct payload should render as JSON, got %q", planEnv.Text())
	}
}
