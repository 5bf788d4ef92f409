package task

// ArtifactKind names a category of immutable, versioned task output.
type ArtifactKind string

const (
	KindSpec        ArtifactKind = "spec"
	KindSpecReview  ArtifactKind = "spec_review"
	KindPlan        ArtifactKind = "plan"
	KindPatch       ArtifactKind = "patch"
	KindPatchReview ArtifactKind = "patch_review"
	KindTestPlan    ArtifactKind = "test_plan"
	KindTestReport  ArtifactKind = "test_report"
	KindResearch    ArtifactKind = "research"
)

// Patch operation actions.
const (
	OpCreate = "create"
	OpEdit   = "edit"
	OpDelete = "delete"
)

// Op is a single file operation inside a patch. Content is the full intended
// file body for create and edit; delete carries none.
type Op struct {
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// Patch is an ordered sequence of file operations applied as one atomic unit.
type Patch struct {
	Summary string `json:"summary,omitempty"`
	Ops     []Op   `json:"ops"`
}

// Paths returns every path the patch targets, in operation order.
func (p *Patch) Paths() []string {
	paths := make([]string, 0, len(p.Ops))
	for _, op := range p.Ops {
		paths = append(paths, op.Path)
	}
	return paths
}

// WrittenPaths returns the paths the patch creates or edits, in order.
// Deleted paths are excluded; they have no post-apply content to check.
func (p *Patch) WrittenPaths() []string {
	paths := make([]string, 0, len(p.Ops))
	for _, op := range p.Ops {
		if op.Action == OpCreate || op.Action == OpEdit {
			paths = append(paths, op.Path)
		}
	}
	return paths
}

// Plan is the ordered step list the coder works from.
type Plan struct {
	Summary string   `json:"summary,omitempty"`
	Steps   []string `json:"steps"`
}

// Verdict is the outcome of a critic review: approved, or rejected with
// structured deficiency reasons.
type Verdict struct {
	Approved     bool     `json:"approved"`
	Deficiencies []string `json:"deficiencies,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

// TestCommand is one deterministic check proposed by the tester role.
type TestCommand struct {
	Command         string `json:"command"`
	ExpectExit      int    `json:"expect_exit"`
	ExpectSubstring string `json:"expect_substring,omitempty"`
}

// TestPlan is the tester role's output: commands the gate runner executes.
type TestPlan struct {
	Commands []TestCommand `json:"commands"`
	Notes    string        `json:"notes,omitempty"`
}

// CommandResult records one executed test command.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason,omitempty"`
}

// TestReport is the deterministic outcome of running a test plan.
type TestReport struct {
	Passed       bool            `json:"passed"`
	Results      []CommandResult `json:"results,omitempty"`
	Deficiencies []string        `json:"deficiencies,omitempty"`
}

// URLReport is the researcher's per-URL reachability evidence.
type URLReport struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Notes     string `json:"notes,omitempty"`
}

// Snapshot records the pre-mutation content of one path: either the content
// address of the bytes that were there, or the fact that nothing was.
type Snapshot struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
	Mode    uint32 `json:"mode,omitempty"`
	BlobKey string `json:"blob_key,omitempty"`
}

// Context is the accumulated working record for a task. It is persisted with
// the state at every transition, so a restart reconstructs the run exactly.
type Context struct {
	Objective    string      `json:"objective"`
	Spec         string      `json:"spec,omitempty"`
	Plan         *Plan       `json:"plan,omitempty"`
	Patch        *Patch      `json:"patch,omitempty"`
	SpecVerdict  *Verdict    `json:"spec_verdict,omitempty"`
	PatchVerdict *Verdict    `json:"patch_verdict,omitempty"`
	TestReport   *TestReport `json:"test_report,omitempty"`
	Research     []URLReport `json:"research,omitempty"`

	// Deficiencies is the pending input for the next repair draft: the
	// reasons behind the most recent rejection, test failure, or failed
	// apply. Cleared once a repair draft consumes them.
	Deficiencies []string `json:"deficiencies,omitempty"`

	// Repair counters. Each increments on entering its repair state and
	// resets to zero when the loop exits forward.
	SpecRepairs  int `json:"spec_repairs"`
	PatchRepairs int `json:"patch_repairs"`

	// Incorporated maps each artifact kind to the highest version this
	// context has consumed. A persisted artifact above the incorporated
	// version means a crash landed between persist and commit; re-entry
	// reuses it instead of invoking the role again.
	Incorporated map[ArtifactKind]int `json:"incorporated,omitempty"`
}

// NewContext returns the context a fresh task starts from.
func NewContext(objective string) *Context {
	return &Context{
		Objective:    objective,
		Incorporated: make(map[ArtifactKind]int),
	}
}

// IncorporatedVersion returns the highest consumed version for kind, 0 when none.
func (c *Context) IncorporatedVersion(kind ArtifactKind) int {
	if c.Incorporated == nil {
		return 0
	}
	return c.Incorporated[kind]
}

// Incorporate records version as consumed for kind.
func (c *Context) Incorporate(kind ArtifactKind, version int) {
	if c.Incorporated == nil {
		c.Incorporated = make(map[ArtifactKind]int)
	}
	c.Incorporated[kind] = version
}

// PatchVersion is the version of the patch currently being applied, matching
// its artifact version and the snapshot manifest key.
func (c *Context) PatchVersion() int {
	return c.IncorporatedVersion(KindPatch)
}

// Clone returns a deep copy so in-flight mutation never aliases committed state.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	if c.Plan != nil {
		plan := *c.Plan
		plan.Steps = append([]string(nil), c.Plan.Steps...)
		out.Plan = &plan
	}
	if c.Patch != nil {
		patch := *c.Patch
		patch.Ops = append([]Op(nil), c.Patch.Ops...)
		out.Patch = &patch
	}
	out.SpecVerdict = cloneVerdict(c.SpecVerdict)
	out.PatchVerdict = cloneVerdict(c.PatchVerdict)
	if c.TestReport != nil {
		report := *c.TestReport
		report.Results = append([]CommandResult(nil), c.TestReport.Results...)
		report.Deficiencies = append([]string(nil), c.TestReport.Deficiencies...)
		out.TestReport = &report
	}
	out.Research = append([]URLReport(nil), c.Research...)
	out.Deficiencies = append([]string(nil), c.Deficiencies...)
	if c.Incorporated != nil {
		out.Incorporated = make(map[ArtifactKind]int, len(c.Incorporated))
		for kind, version := range c.Incorporated {
			out.Incorporated[kind] = version
		}
	}
	return &out
}

func cloneVerdict(v *Verdict) *Verdict {
	if v == nil {
		return nil
	}
	out := *v
	out.Deficiencies = append([]string(nil), v.Deficiencies...)
	return &out
}
