package role

import (
	"loom/internal/shared/token"
	"loom/internal/task"
)

// Request is the context snapshot handed to a role for one invocation. It is
// the wire format on the gateway boundary; whatever serves the roles builds
// its own prompt from these fields.
type Request struct {
	Role      Role       `json:"role"`
	TaskID    string     `json:"task_id"`
	Objective string     `json:"objective"`
	State     task.State `json:"state"`

	// Spec is the current specification text, present once drafted.
	Spec string `json:"spec,omitempty"`
	// Plan is the approved step list, present for coder and later roles.
	Plan *task.Plan `json:"plan,omitempty"`
	// PatchPreview is a unified diff of the applied patch, present for the
	// patch critic and the tester.
	PatchPreview string `json:"patch_preview,omitempty"`
	// Deficiencies carries the pending rejection reasons into repair drafts.
	Deficiencies []string `json:"deficiencies,omitempty"`
	// Research is the per-URL reachability evidence attached to spec review.
	Research []task.URLReport `json:"research,omitempty"`

	// Hint is a corrective note from a failed parse of the previous attempt.
	Hint string `json:"hint,omitempty"`
	// Attempt is 1 for the first try and increments on transient retries.
	Attempt int `json:"attempt"`
	// Temperature is forwarded verbatim to the serving process.
	Temperature float64 `json:"temperature,omitempty"`
}

// ClampTokens trims the request's large free-text sections so the serialized
// payload stays near maxTokens. The specification and the diff preview
// dominate the size; each gets a third of the budget and the structured
// fields keep the rest. maxTokens <= 0 disables clamping.
func (r *Request) ClampTokens(maxTokens int) {
	if maxTokens <= 0 {
		return
	}
	share := maxTokens / 3
	r.Spec = tokenutil.Truncate(r.Spec, share)
	r.PatchPreview = tokenutil.Truncate(r.PatchPreview, share)
}

// Result is the structured output of one role invocation. Exactly one field
// matching the invoked role must be populated; the codec rejects anything
// else before the engine sees it.
type Result struct {
	Spec     string         `json:"spec,omitempty"`
	Plan     *task.Plan     `json:"plan,omitempty"`
	Patch    *task.Patch    `json:"patch,omitempty"`
	Verdict  *task.Verdict  `json:"verdict,omitempty"`
	TestPlan *task.TestPlan `json:"test_plan,omitempty"`
}
