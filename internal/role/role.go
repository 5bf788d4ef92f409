// Package role is the boundary to the external generation roles that draft
// specifications, plans, and patches and review the results. It defines the
// closed role set, the request/result wire contract, the codec that turns
// raw model text into validated results, and two Gateway implementations:
// a subprocess-backed client and a scripted one for tests.
package role

import (
	"fmt"

	"loom/internal/task"
)

// Role names one external generation capability. The set is closed; dispatch
// happens on the tag, never on the shape of the returned data.
type Role string

const (
	// Architect drafts the specification from the objective, and revises it
	// from critic deficiencies during repair.
	Architect Role = "architect"
	// SpecCritic reviews a specification draft and returns a verdict.
	SpecCritic Role = "spec_critic"
	// Planner turns an approved specification into ordered steps.
	Planner Role = "planner"
	// Coder drafts a patch from the plan, or a repaired patch from the
	// pending deficiency list.
	Coder Role = "coder"
	// PatchCritic reviews an applied patch from its diff preview.
	PatchCritic Role = "patch_critic"
	// Tester proposes deterministic commands that verify the patch.
	Tester Role = "tester"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case Architect, SpecCritic, Planner, Coder, PatchCritic, Tester:
		return true
	}
	return false
}

// ForState returns the role a state consumes. APPLY and the terminal states
// consume none.
func ForState(s task.State) (Role, bool) {
	switch s {
	case task.StateSpec, task.StateSpecRepair:
		return Architect, true
	case task.StateSpecReview:
		return SpecCritic, true
	case task.StatePlan:
		return Planner, true
	case task.StatePatch, task.StateRepairPatch:
		return Coder, true
	case task.StatePatchReview:
		return PatchCritic, true
	case task.StateTest:
		return Tester, true
	}
	return "", false
}

// ArtifactKind maps a role's output onto the artifact kind it is persisted
// under.
func (r Role) ArtifactKind() (task.ArtifactKind, error) {
	switch r {
	case Architect:
		return task.KindSpec, nil
	case SpecCritic:
		return task.KindSpecReview, nil
	case Planner:
		return task.KindPlan, nil
	case Coder:
		return task.KindPatch, nil
	case PatchCritic:
		return task.KindPatchReview, nil
	case Tester:
		return task.KindTestPlan, nil
	}
	return "", fmt.Errorf("role %q produces no artifact", string(r))
}
