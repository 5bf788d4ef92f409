package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"loom/internal/artifact"
	"loom/internal/diff"
	"loom/internal/patch"
	"loom/internal/shared/logging"
	"loom/internal/store"
	"loom/internal/task"
	"loom/internal/workspace"
)

// execute runs the command tree against buffers and returns stdout plus
// the command error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := NewApp(&out, &errOut)
	defer app.Close()

	root := app.Command()
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	return exit.Code
}

// seed creates a task in SPEC_REVIEW with a committed spec artifact.
func seed(t *testing.T, dataDir, taskID, objective string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(dataDir, "seed", logging.Nop())
	require.NoError(t, err)
	tk := task.New(taskID, objective)
	tc := task.NewContext(objective)
	require.NoError(t, st.Create(ctx, tk, tc))

	arts, err := artifact.NewStore(dataDir, diff.NewGenerator(3, false))
	require.NoError(t, err)
	v, err := arts.Put(ctx, taskID, task.KindSpec, "# Fibonacci CLI\n\nPrint the first ten numbers.")
	require.NoError(t, err)

	tc.Spec = "# Fibonacci CLI\n\nPrint the first ten numbers."
	tc.Incorporate(task.KindSpec, v)
	require.NoError(t, st.CommitTransition(ctx, taskID, task.StateSpecReview, tc,
		task.WithTransitionGuard(task.GuardSpecDrafted)))
}

func TestRunUsageErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "run")
	require.Equal(t, 2, exitCode(t, err))

	_, err = execute(t, "run", "an objective", "--file", "task.yaml")
	require.Equal(t, 2, exitCode(t, err))
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "list", "--bogus")
	require.Equal(t, 2, exitCode(t, err))
}

func TestReadTaskFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"objective: add retry budget\nworkspace: /srv/app\ndata_dir: /srv/state\n"), 0o644))

	tf, err := readTaskFile(path)
	require.NoError(t, err)
	require.Equal(t, "add retry budget", tf.Objective)
	require.Equal(t, "/srv/app", tf.Workspace)
	require.Equal(t, "/srv/state", tf.DataDir)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("workspace: /srv/app\n"), 0o644))
	_, err = readTaskFile(empty)
	require.Equal(t, 2, exitCode(t, err))

	_, err = readTaskFile(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
}

func TestResumeRefusesWithoutRoleCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "resume")
	require.Error(t, err)
	require.Contains(t, err.Error(), "role.command")
}

func TestResumeWithNothingPending(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loom.yaml"), []byte(
		"role:\n  command: [\"/bin/true\"]\n"), 0o644))
	t.Chdir(dir)

	out, err := execute(t, "resume")
	require.NoError(t, err)
	require.Contains(t, out, "nothing to resume")

	out, err = execute(t, "resume", "--all")
	require.NoError(t, err)
	require.Contains(t, out, "nothing to resume")
}

func TestListEmpty(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := execute(t, "list")
	require.NoError(t, err)
	require.Contains(t, out, "no tasks")
}

func TestListShowsSeededTask(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dataDir := filepath.Join(dir, "data")
	seed(t, dataDir, "T1", "print the first ten fibonacci numbers")

	out, err := execute(t, "list", "--data-dir", dataDir)
	require.NoError(t, err)
	require.Contains(t, out, "T1")
	require.Contains(t, out, string(task.StateSpecReview))
	require.Contains(t, out, string(task.StatusPending))
	require.Contains(t, out, "0/0")
	require.Contains(t, out, "print the first ten fibonacci numbers")
}

func TestShowTaskDetail(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dataDir := filepath.Join(dir, "data")
	seed(t, dataDir, "T1", "print the first ten fibonacci numbers")

	out, err := execute(t, "show", "T1", "--data-dir", dataDir)
	require.NoError(t, err)
	require.Contains(t, out, "Task T1")
	require.Contains(t, out, string(task.StateSpecReview))
	require.Contains(t, out, "spec")
	require.Contains(t, out, "v1")
	require.Contains(t, out, string(task.GuardSpecDrafted))
}

func TestShowArtifact(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dataDir := filepath.Join(dir, "data")
	seed(t, dataDir, "T1", "print the first ten fibonacci numbers")

	out, err := execute(t, "show", "T1", "--kind", "spec", "--data-dir", dataDir)
	require.NoError(t, err)
	require.Contains(t, out, "spec v1")
	require.Contains(t, out, "# Fibonacci CLI")

	_, err = execute(t, "show", "T1", "--kind", "blueprint", "--data-dir", dataDir)
	require.Equal(t, 2, exitCode(t, err))

	_, err = execute(t, "show", "T1", "--diff", "--data-dir", dataDir)
	require.Equal(t, 2, exitCode(t, err))
}

func TestShowArtifactDiff(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dataDir := filepath.Join(dir, "data")
	seed(t, dataDir, "T1", "print the first ten fibonacci numbers")

	_, err := execute(t, "show", "T1", "--kind", "spec", "--diff", "--data-dir", dataDir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no predecessor")

	arts, err := artifact.NewStore(dataDir, diff.NewGenerator(3, false))
	require.NoError(t, err)
	_, err = arts.Put(context.Background(), "T1", task.KindSpec,
		"# Fibonacci CLI\n\nPrint the first ten numbers.\nHandle n=0.")
	require.NoError(t, err)

	out, err := execute(t, "show", "T1", "--kind", "spec", "--diff", "--data-dir", dataDir)
	require.NoError(t, err)
	require.Contains(t, out, "+Handle n=0.")
}

func TestRollbackUsageErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "rollback", "T1")
	require.Equal(t, 2, exitCode(t, err))

	_, err = execute(t, "rollback", "T1", "two")
	require.Equal(t, 2, exitCode(t, err))
}

func TestRollbackRestoresWorkspace(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dataDir := filepath.Join(dir, "data")
	wsDir := filepath.Join(dir, "ws")
	ctx := context.Background()

	ws, err := workspace.New(wsDir, workspace.Limits{})
	require.NoError(t, err)
	require.NoError(t, ws.Write("a.txt", []byte("old\n"), 0o644))

	arts, err := artifact.NewStore(dataDir, diff.NewGenerator(3, false))
	require.NoError(t, err)
	applier := patch.NewApplier(ws, arts, logging.Nop())
	ok, err := applier.Apply(ctx, "T1", 1, &task.Patch{
		Summary: "rewrite a.txt",
		Ops:     []task.Op{{Action: task.OpEdit, Path: "a.txt", Content: "new\n"}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(filepath.Join(wsDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "new\n", string(data))

	out, err := execute(t, "rollback", "T1", "1", "--yes",
		"--data-dir", dataDir, "--workspace", wsDir)
	require.NoError(t, err)
	require.Contains(t, out, "restored workspace")

	data, err = os.ReadFile(filepath.Join(wsDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "old\n", string(data))
}

func TestExitErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &ExitError{Code: 2, Err: inner}
	require.ErrorIs(t, err, inner)
	require.Equal(t, "boom", err.Error())
}
