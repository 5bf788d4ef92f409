package task

import (
	"testing"
)

func TestPatchPaths(t *testing.T) {
	p := &Patch{Ops: []Op{
		{Action: OpCreate, Path: "fib.py", Content: "def fib(n): ..."},
		{Action: OpEdit, Path: "README.md", Content: "# fib"},
		{Action: OpDelete, Path: "scratch.txt"},
	}}

	paths := p.Paths()
	if len(paths) != 3 || paths[0] != "fib.py" || paths[2] != "scratch.txt" {
		t.Errorf("Paths() = %v", paths)
	}

	written := p.WrittenPaths()
	if len(written) != 2 || written[0] != "fib.py" || written[1] != "README.md" {
		t.Errorf("WrittenPaths() = %v, deletes must be excluded", written)
	}
}

func TestContextIncorporate(t *testing.T) {
	c := NewContext("add a fibonacci script")

	if got := c.IncorporatedVersion(KindSpec); got != 0 {
		t.Errorf("fresh context IncorporatedVersion(spec) = %d, want 0", got)
	}

	c.Incorporate(KindSpec, 1)
	c.Incorporate(KindPatch, 2)
	if got := c.IncorporatedVersion(KindSpec); got != 1 {
		t.Errorf("IncorporatedVersion(spec) = %d, want 1", got)
	}
	if got := c.PatchVersion(); got != 2 {
		t.Errorf("PatchVersion() = %d, want 2", got)
	}

	// A nil map is tolerated for contexts decoded from old records.
	c.Incorporated = nil
	if got := c.IncorporatedVersion(KindPlan); got != 0 {
		t.Errorf("nil map IncorporatedVersion = %d, want 0", got)
	}
	c.Incorporate(KindPlan, 3)
	if got := c.IncorporatedVersion(KindPlan); got != 3 {
		t.Errorf("Incorporate on nil map: got %d, want 3", got)
	}
}

func TestContextClone(t *testing.T) {
	orig := NewContext("add a fibonacci script")
	orig.Spec = "print first N fibonacci numbers"
	orig.Plan = &Plan{Summary: "one file", Steps: []string{"write fib.py"}}
	orig.Patch = &Patch{Ops: []Op{{Action: OpCreate, Path: "fib.py", Content: "x"}}}
	orig.SpecVerdict = &Verdict{Approved: false, Deficiencies: []string{"no bounds check"}}
	orig.TestReport = &TestReport{Passed: false, Results: []CommandResult{{Command: "python fib.py", ExitCode: 1}}}
	orig.Research = []URLReport{{URL: "https://example.com", Reachable: true}}
	orig.Deficiencies = []string{"no bounds check"}
	orig.SpecRepairs = 1
	orig.Incorporate(KindSpec, 2)

	clone := orig.Clone()

	// Mutate every shared structure on the original.
	orig.Plan.Steps[0] = "changed"
	orig.Patch.Ops[0].Path = "changed.py"
	orig.SpecVerdict.Deficiencies[0] = "changed"
	orig.TestReport.Results[0].ExitCode = 99
	orig.Research[0].URL = "changed"
	orig.Deficiencies[0] = "changed"
	orig.SpecRepairs = 9
	orig.Incorporate(KindSpec, 9)

	if clone.Plan.Steps[0] != "write fib.py" {
		t.Error("clone plan steps alias the original")
	}
	if clone.Patch.Ops[0].Path != "fib.py" {
		t.Error("clone patch ops alias the original")
	}
	if clone.SpecVerdict.Deficiencies[0] != "no bounds check" {
		t.Error("clone verdict deficiencies alias the original")
	}
	if clone.TestReport.Results[0].ExitCode != 1 {
		t.Error("clone test results alias the original")
	}
	if clone.Research[0].URL != "https://example.com" {
		t.Error("clone research aliases the original")
	}
	if clone.Deficiencies[0] != "no bounds check" {
		t.Error("clone deficiencies alias the original")
	}
	if clone.SpecRepairs != 1 {
		t.Errorf("clone SpecRepairs = %d, want 1", clone.SpecRepairs)
	}
	if clone.IncorporatedVersion(KindSpec) != 2 {
		t.Error("clone incorporated map aliases the original")
	}

	var nilCtx *Context
	if nilCtx.Clone() != nil {
		t.Error("cloning a nil context must return nil")
	}
}

func TestNewTask(t *testing.T) {
	tk := New("task-abc", "add a fibonacci script")
	if tk.ID != "task-abc" {
		t.Errorf("ID = %q", tk.ID)
	}
	if tk.State != InitialState {
		t.Errorf("State = %s, want %s", tk.State, InitialState)
	}
	if tk.Status != StatusPending {
		t.Errorf("Status = %s, want %s", tk.Status, StatusPending)
	}
	if tk.CreatedAt.IsZero() || tk.UpdatedAt.IsZero() {
		t.Error("timestamps must be set")
	}
}
