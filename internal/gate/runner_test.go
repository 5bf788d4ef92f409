package gate

import (
	"context"
	"strings"
	"testing"
	"time"

	"loom/internal/task"
	"loom/internal/workspace"
)

func newTestRunner(t *testing.T, maxCommands int, timeout time.Duration) (*Runner, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), workspace.Limits{})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return NewRunner(ws, maxCommands, timeout, nil), ws
}

func TestRunPassingPlan(t *testing.T) {
	runner, ws := newTestRunner(t, 0, 0)
	if err := ws.Write("hello.txt", []byte("hello gate\n"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	patch := &task.Patch{Ops: []task.Op{{Action: task.OpCreate, Path: "hello.txt", Content: "hello gate\n"}}}
	plan := &task.TestPlan{Commands: []task.TestCommand{
		{Command: "cat hello.txt", ExpectExit: 0, ExpectSubstring: "hello gate"},
	}}

	report, err := runner.Run(context.Background(), patch, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Passed {
		t.Fatalf("report failed: %+v", report)
	}
	if len(report.Results) != 1 || !report.Results[0].Passed {
		t.Fatalf("unexpected results: %+v", report.Results)
	}
	if !strings.Contains(report.Results[0].Output, "hello gate") {
		t.Errorf("output = %q, want the file content", report.Results[0].Output)
	}
}

func TestRunMissingFileSkipsCommands(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	patch := &task.Patch{Ops: []task.Op{{Action: task.OpCreate, Path: "never.txt", Content: "x"}}}
	plan := &task.TestPlan{Commands: []task.TestCommand{{Command: "echo should not run"}}}

	report, err := runner.Run(context.Background(), patch, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed {
		t.Fatal("report passed despite a missing file")
	}
	if len(report.Results) != 0 {
		t.Fatalf("commands ran anyway: %+v", report.Results)
	}
	joined := strings.Join(report.Deficiencies, "\n")
	if !strings.Contains(joined, "never.txt") || !strings.Contains(joined, "skipped") {
		t.Errorf("deficiencies = %v", report.Deficiencies)
	}
}

func TestRunDeletedPathsNotChecked(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	patch := &task.Patch{Ops: []task.Op{{Action: task.OpDelete, Path: "gone.txt"}}}

	report, err := runner.Run(context.Background(), patch, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Passed {
		t.Fatalf("delete-only patch should pass the file gate: %+v", report)
	}
}

func TestRunExitCodeMismatch(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	plan := &task.TestPlan{Commands: []task.TestCommand{
		{Command: "exit 3", ExpectExit: 0},
		{Command: "exit 3", ExpectExit: 3},
	}}

	report, err := runner.Run(context.Background(), nil, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed {
		t.Fatal("report passed with a failing command")
	}
	if report.Results[0].Passed || report.Results[0].Reason == "" {
		t.Errorf("first command should fail with a reason: %+v", report.Results[0])
	}
	if !strings.Contains(report.Results[0].Reason, "exit code 3, want 0") {
		t.Errorf("reason = %q", report.Results[0].Reason)
	}
	if !report.Results[1].Passed {
		t.Errorf("expected exit 3 to match: %+v", report.Results[1])
	}
}

func TestRunSubstringMismatch(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	plan := &task.TestPlan{Commands: []task.TestCommand{
		{Command: "echo foo", ExpectExit: 0, ExpectSubstring: "bar"},
	}}

	report, err := runner.Run(context.Background(), nil, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed || !strings.Contains(report.Results[0].Reason, `does not contain "bar"`) {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Deficiencies) != 1 {
		t.Errorf("deficiencies = %v", report.Deficiencies)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 100*time.Millisecond)
	plan := &task.TestPlan{Commands: []task.TestCommand{{Command: "sleep 5"}}}

	start := time.Now()
	report, err := runner.Run(context.Background(), nil, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout did not cut the command short")
	}
	if report.Passed || !strings.Contains(report.Results[0].Reason, "timed out") {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunCapsCommandCount(t *testing.T) {
	runner, _ := newTestRunner(t, 2, 0)
	plan := &task.TestPlan{Commands: []task.TestCommand{
		{Command: "echo one", ExpectSubstring: "one"},
		{Command: "echo two", ExpectSubstring: "two"},
		{Command: "echo three", ExpectSubstring: "three"},
	}}

	report, err := runner.Run(context.Background(), nil, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(report.Results))
	}
	if !report.Passed {
		t.Fatalf("capped plan should still pass: %+v", report)
	}
}

func TestRunCommandsUseWorkspaceRoot(t *testing.T) {
	runner, ws := newTestRunner(t, 0, 0)
	if err := ws.Write("sub/inner.txt", []byte("inner content"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	plan := &task.TestPlan{Commands: []task.TestCommand{
		{Command: "cat sub/inner.txt", ExpectExit: 0, ExpectSubstring: "inner content"},
	}}

	report, err := runner.Run(context.Background(), nil, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Passed {
		t.Fatalf("relative path did not resolve from the workspace root: %+v", report)
	}
}

func TestRunOutputTailCapped(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	plan := &task.TestPlan{Commands: []task.TestCommand{
		{Command: "yes filler | head -n 5000", ExpectExit: 0},
	}}

	report, err := runner.Run(context.Background(), nil, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Results[0].Output) > maxOutputBytes+16 {
		t.Errorf("output not capped: %d bytes", len(report.Results[0].Output))
	}
	if !strings.HasSuffix(report.Results[0].Output, "filler") {
		t.Errorf("expected the tail to be kept, got %q", report.Results[0].Output[:32])
	}
}

func TestRunStderrCaptured(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	plan := &task.TestPlan{Commands: []task.TestCommand{
		{Command: "echo oops >&2; exit 1", ExpectExit: 0},
	}}

	report, err := runner.Run(context.Background(), nil, plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed {
		t.Fatal("report passed with a failing command")
	}
	if !strings.Contains(report.Results[0].Output, "oops") {
		t.Errorf("stderr missing from output: %q", report.Results[0].Output)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, nil, &task.TestPlan{Commands: []task.TestCommand{{Command: "echo hi"}}})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
}

func TestRunEmptyPlanPasses(t *testing.T) {
	runner, _ := newTestRunner(t, 0, 0)
	report, err := runner.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Passed || len(report.Results) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}
