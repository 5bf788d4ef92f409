package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loom/internal/artifact"
	xerrors "loom/internal/errors"
	"loom/internal/research"
	"loom/internal/role"
	"loom/internal/task"
)

// handleDraftSpec serves SPEC and SPEC_REPAIR: the architect drafts or
// revises the specification. Repair drafts consume the pending deficiency
// list; a fresh draft invalidates the previous verdict.
func (e *Engine) handleDraftSpec(ctx context.Context, t *task.Task, tc *task.Context) (stepOutcome, error) {
	res, version, err := e.resultForState(ctx, t, tc, role.Architect)
	if err != nil {
		return stepOutcome{}, err
	}
	tc.Spec = res.Spec
	tc.SpecVerdict = nil
	tc.Deficiencies = nil
	tc.Incorporate(task.KindSpec, version)
	return guardOutcome(task.GuardSpecDrafted), nil
}

// handleSpecReview gathers researcher evidence, asks the spec critic for a
// verdict, and routes on it. Rejections carry their deficiencies forward;
// the one past the repair budget ends the task.
func (e *Engine) handleSpecReview(ctx context.Context, t *task.Task, tc *task.Context) (stepOutcome, error) {
	e.attachResearch(ctx, t, tc)

	res, version, err := e.resultForState(ctx, t, tc, role.SpecCritic)
	if err != nil {
		return stepOutcome{}, err
	}
	tc.SpecVerdict = res.Verdict
	tc.Incorporate(task.KindSpecReview, version)

	if res.Verdict.Approved {
		tc.Deficiencies = nil
		return guardOutcome(task.GuardApproved), nil
	}
	tc.Deficiencies = append([]string(nil), res.Verdict.Deficiencies...)
	reason := joinDeficiencies(res.Verdict.Deficiencies)
	if tc.SpecRepairs >= e.cfg.MaxSpecRepairs {
		return guardReason(task.GuardRejectedExhausted, reason), nil
	}
	return guardReason(task.GuardRejectedRetry, reason), nil
}

func (e *Engine) handlePlan(ctx context.Context, t *task.Task, tc *task.Context) (stepOutcome, error) {
	res, version, err := e.resultForState(ctx, t, tc, role.Planner)
	if err != nil {
		return stepOutcome{}, err
	}
	tc.Plan = res.Plan
	tc.Incorporate(task.KindPlan, version)
	return guardOutcome(task.GuardPlanDrafted), nil
}

// handleDraftPatch serves PATCH and REPAIR_PATCH: the coder drafts or
// revises the patch against the workspace as it stands now. Repair drafts
// consume the pending deficiencies; stale review and test results are
// dropped with them.
func (e *Engine) handleDraftPatch(ctx context.Context, t *task.Task, tc *task.Context) (stepOutcome, error) {
	res, version, err := e.resultForState(ctx, t, tc, role.Coder)
	if err != nil {
		return stepOutcome{}, err
	}
	tc.Patch = res.Patch
	tc.PatchVerdict = nil
	tc.TestReport = nil
	tc.Deficiencies = nil
	tc.Incorporate(task.KindPatch, version)
	return guardOutcome(task.GuardPatchDrafted), nil
}

// handleApply runs the applier against the incorporated patch version.
// Transient failures were already retried in place and nothing was mutated;
// structural violations and rolled-back operation failures become the
// deficiency the next coder draft repairs against. A failure arriving with
// the patch budget already spent ends the task.
func (e *Engine) handleApply(ctx context.Context, t *task.Task, tc *task.Context) (stepOutcome, error) {
	if tc.Patch == nil {
		return stepOutcome{}, xerrors.NewFatalError(
			fmt.Errorf("task %s", t.ID), "apply reached without a patch in context")
	}
	version := tc.PatchVersion()
	err := xerrors.RetryWithLog(ctx, e.cfg.Retry, func(ctx context.Context) error {
		_, applyErr := e.applier.Apply(ctx, t.ID, version, tc.Patch)
		return applyErr
	}, e.logger)
	if err == nil {
		return guardOutcome(task.GuardApplySucceeded), nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return stepOutcome{}, err
	}
	if xerrors.IsTransient(err) || xerrors.IsFatal(err) {
		return stepOutcome{}, err
	}

	deficiency := applyDeficiency(err)
	tc.Deficiencies = []string{deficiency}
	if tc.PatchRepairs >= e.cfg.MaxPatchRepairs {
		return failOutcome(fmt.Sprintf("apply failed with the patch repair budget spent: %s", deficiency)), nil
	}
	return guardReason(task.GuardApplyFailed, deficiency), nil
}

// handlePatchReview asks the patch critic for a verdict over the unified
// diff preview of what apply just did. The workspace keeps the applied tree
// either way: a revised patch edits it rather than starting over.
func (e *Engine) handlePatchReview(ctx context.Context, t *task.Task, tc *task.Context) (stepOutcome, error) {
	res, version, err := e.resultForState(ctx, t, tc, role.PatchCritic)
	if err != nil {
		return stepOutcome{}, err
	}
	tc.PatchVerdict = res.Verdict
	tc.Incorporate(task.KindPatchReview, version)

	if res.Verdict.Approved {
		tc.Deficiencies = nil
		return guardOutcome(task.GuardApproved), nil
	}
	tc.Deficiencies = append([]string(nil), res.Verdict.Deficiencies...)
	reason := joinDeficiencies(res.Verdict.Deficiencies)
	if tc.PatchRepairs >= e.cfg.MaxPatchRepairs {
		return guardReason(task.GuardRejectedExhausted, reason), nil
	}
	return guardReason(task.GuardRejectedRetry, reason), nil
}

// handleTest produces the deterministic test verdict: the tester proposes a
// plan and the gate runner executes it. A report persisted by a crashed
// prior attempt is reused as-is; the workspace has not changed since that
// gate ran.
func (e *Engine) handleTest(ctx context.Context, t *task.Task, tc *task.Context) (stepOutcome, error) {
	report, err := e.testReport(ctx, t, tc)
	if err != nil {
		return stepOutcome{}, err
	}
	tc.TestReport = report

	if report.Passed {
		tc.Deficiencies = nil
		return guardOutcome(task.GuardTestPassed), nil
	}
	tc.Deficiencies = append([]string(nil), report.Deficiencies...)
	reason := joinDeficiencies(report.Deficiencies)
	if tc.PatchRepairs >= e.cfg.MaxPatchRepairs {
		return guardReason(task.GuardTestFailedExhausted, reason), nil
	}
	return guardReason(task.GuardTestFailedRetry, reason), nil
}

func (e *Engine) testReport(ctx context.Context, t *task.Task, tc *task.Context) (*task.TestReport, error) {
	if version, err := e.latestUnconsumed(ctx, t.ID, tc, task.KindTestReport); err != nil {
		return nil, err
	} else if version > 0 {
		env, err := e.artifacts.Get(ctx, t.ID, task.KindTestReport, version)
		if err != nil {
			return nil, err
		}
		report := &task.TestReport{}
		if err := env.Decode(report); err != nil {
			return nil, err
		}
		e.logger.Info("task %s: reusing test report v%d from an interrupted attempt", t.ID, version)
		tc.Incorporate(task.KindTestReport, version)
		return report, nil
	}

	res, planVersion, err := e.resultForState(ctx, t, tc, role.Tester)
	if err != nil {
		return nil, err
	}
	tc.Incorporate(task.KindTestPlan, planVersion)

	report, err := xerrors.RetryWithResultAndLog(ctx, e.cfg.Retry, func(ctx context.Context) (*task.TestReport, error) {
		return e.gate.Run(ctx, tc.Patch, res.TestPlan)
	}, e.logger)
	if err != nil {
		return nil, err
	}
	version, err := e.artifacts.Put(ctx, t.ID, task.KindTestReport, report)
	if err != nil {
		return nil, err
	}
	tc.Incorporate(task.KindTestReport, version)
	return report, nil
}

// resultForState yields the role result a state consumes: a crash-recovered
// artifact when the store holds a version the context has not incorporated,
// otherwise a fresh invocation whose output is persisted before anything
// else happens. The returned version is what the handler incorporates at
// commit time.
func (e *Engine) resultForState(ctx context.Context, t *task.Task, tc *task.Context, r role.Role) (*role.Result, int, error) {
	kind, err := r.ArtifactKind()
	if err != nil {
		return nil, 0, xerrors.NewFatalError(err, "role has no artifact kind")
	}

	version, err := e.latestUnconsumed(ctx, t.ID, tc, kind)
	if err != nil {
		return nil, 0, err
	}
	if version > 0 {
		env, err := e.artifacts.Get(ctx, t.ID, kind, version)
		if err != nil {
			return nil, 0, err
		}
		res, err := decodeStored(kind, env)
		if err != nil {
			return nil, 0, err
		}
		e.logger.Info("task %s: reusing %s v%d from an interrupted attempt", t.ID, kind, version)
		return res, version, nil
	}

	res, err := e.invokeRole(ctx, t, tc, r)
	if err != nil {
		return nil, 0, err
	}
	version, err = e.persistResult(ctx, t.ID, kind, res)
	if err != nil {
		return nil, 0, err
	}
	return res, version, nil
}

// latestUnconsumed returns the newest persisted version of kind when it is
// ahead of what the context has incorporated, 0 otherwise.
func (e *Engine) latestUnconsumed(ctx context.Context, taskID string, tc *task.Context, kind task.ArtifactKind) (int, error) {
	latest, err := e.artifacts.LatestVersion(ctx, taskID, kind)
	if err != nil {
		return 0, err
	}
	if latest > tc.IncorporatedVersion(kind) {
		return latest, nil
	}
	return 0, nil
}

// invokeRole runs one gateway invocation with in-place transient retry.
// Retries thread the previous failure's corrective hint and the attempt
// number into the request so the serving side can adjust.
func (e *Engine) invokeRole(ctx context.Context, t *task.Task, tc *task.Context, r role.Role) (*role.Result, error) {
	req := e.buildRequest(ctx, t, tc, r)
	req.ClampTokens(e.cfg.MaxContextTokens)

	attempt := 0
	res, err := xerrors.RetryWithResultAndLog(ctx, e.cfg.Retry, func(ctx context.Context) (*role.Result, error) {
		attempt++
		if attempt > 1 {
			e.metrics.IncRoleRetry(string(r))
		}
		req.Attempt = attempt
		out, invokeErr := e.gateway.Invoke(ctx, req)
		if invokeErr != nil {
			req.Hint = xerrors.HintFor(invokeErr)
			return nil, invokeErr
		}
		return out, nil
	}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("role %s in state %s: %w", r, t.State, err)
	}
	return res, nil
}

// buildRequest assembles the context snapshot a role sees. Each role gets
// only what its schema consumes.
func (e *Engine) buildRequest(ctx context.Context, t *task.Task, tc *task.Context, r role.Role) role.Request {
	req := role.Request{
		Role:        r,
		TaskID:      t.ID,
		Objective:   tc.Objective,
		State:       t.State,
		Spec:        tc.Spec,
		Temperature: e.cfg.Temperature,
	}
	switch r {
	case role.Architect:
		req.Deficiencies = tc.Deficiencies
	case role.SpecCritic:
		req.Research = tc.Research
	case role.Coder:
		req.Plan = tc.Plan
		req.Deficiencies = tc.Deficiencies
	case role.PatchCritic, role.Tester:
		req.Plan = tc.Plan
		req.PatchPreview = e.patchPreview(ctx, t.ID, tc)
	}
	return req
}

// persistResult writes the role-specific payload as the next artifact
// version for its kind.
func (e *Engine) persistResult(ctx context.Context, taskID string, kind task.ArtifactKind, res *role.Result) (int, error) {
	var payload any
	switch kind {
	case task.KindSpec:
		payload = res.Spec
	case task.KindPlan:
		payload = res.Plan
	case task.KindPatch:
		payload = res.Patch
	case task.KindSpecReview, task.KindPatchReview:
		payload = res.Verdict
	case task.KindTestPlan:
		payload = res.TestPlan
	default:
		return 0, xerrors.NewFatalError(fmt.Errorf("kind %q", kind), "no payload mapping for artifact kind")
	}
	return e.artifacts.Put(ctx, taskID, kind, payload)
}

// decodeStored rebuilds a role result from a persisted artifact envelope.
func decodeStored(kind task.ArtifactKind, env *artifact.Envelope) (*role.Result, error) {
	res := &role.Result{}
	var err error
	switch kind {
	case task.KindSpec:
		err = env.Decode(&res.Spec)
	case task.KindPlan:
		res.Plan = &task.Plan{}
		err = env.Decode(res.Plan)
	case task.KindPatch:
		res.Patch = &task.Patch{}
		err = env.Decode(res.Patch)
	case task.KindSpecReview, task.KindPatchReview:
		res.Verdict = &task.Verdict{}
		err = env.Decode(res.Verdict)
	case task.KindTestPlan:
		res.TestPlan = &task.TestPlan{}
		err = env.Decode(res.TestPlan)
	default:
		return nil, xerrors.NewFatalError(fmt.Errorf("kind %q", kind), "no decode mapping for artifact kind")
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// attachResearch verifies the URLs the draft references and records the
// evidence for the critic. Research never blocks review: any failure logs a
// warning and review proceeds without evidence.
func (e *Engine) attachResearch(ctx context.Context, t *task.Task, tc *task.Context) {
	if e.researcher == nil {
		return
	}
	if e.reuseResearch(ctx, t.ID, tc) {
		return
	}
	urls := research.ExtractURLs(tc.Spec, e.cfg.ResearchMaxURLs)
	if len(urls) == 0 {
		return
	}
	reports := e.researcher.Verify(ctx, urls)
	if len(reports) == 0 {
		return
	}
	tc.Research = reports
	version, err := e.artifacts.Put(ctx, t.ID, task.KindResearch, reports)
	if err != nil {
		e.logger.Warn("task %s: persist research evidence: %v", t.ID, err)
		return
	}
	tc.Incorporate(task.KindResearch, version)
}

// reuseResearch loads evidence persisted by an interrupted prior review.
func (e *Engine) reuseResearch(ctx context.Context, taskID string, tc *task.Context) bool {
	version, err := e.latestUnconsumed(ctx, taskID, tc, task.KindResearch)
	if err != nil || version == 0 {
		return false
	}
	env, err := e.artifacts.Get(ctx, taskID, task.KindResearch, version)
	if err != nil {
		return false
	}
	var reports []task.URLReport
	if err := env.Decode(&reports); err != nil {
		return false
	}
	tc.Research = reports
	tc.Incorporate(task.KindResearch, version)
	return true
}

// patchPreview renders the applied patch as a unified diff against the
// pre-apply snapshots, reconstructed from the manifest and the blob store.
// The engine never reads workspace files; preview failures degrade to the
// operation summary and review proceeds.
func (e *Engine) patchPreview(ctx context.Context, taskID string, tc *task.Context) string {
	if tc.Patch == nil {
		return ""
	}
	version := tc.PatchVersion()
	if version == 0 {
		return opSummary(tc.Patch)
	}
	manifest, err := e.artifacts.LoadManifest(ctx, taskID, version)
	if err != nil {
		e.logger.Warn("task %s: patch preview degraded to op summary: %v", taskID, err)
		return opSummary(tc.Patch)
	}

	var b strings.Builder
	for _, op := range tc.Patch.Ops {
		before := ""
		if snap, ok := manifest.Snapshot(op.Path); ok && snap.Existed && snap.BlobKey != "" {
			data, err := e.artifacts.Blobs().Get(snap.BlobKey)
			if err != nil {
				e.logger.Warn("task %s: patch preview degraded to op summary: %v", taskID, err)
				return opSummary(tc.Patch)
			}
			before = string(data)
		}
		dr, err := e.diffGen.GenerateUnified(before, op.Content, op.Path)
		if err != nil {
			e.logger.Warn("task %s: patch preview degraded to op summary: %v", taskID, err)
			return opSummary(tc.Patch)
		}
		b.WriteString(dr.UnifiedDiff)
		if !strings.HasSuffix(dr.UnifiedDiff, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func opSummary(p *task.Patch) string {
	var b strings.Builder
	if p.Summary != "" {
		b.WriteString(p.Summary)
		b.WriteByte('\n')
	}
	for _, op := range p.Ops {
		fmt.Fprintf(&b, "%s %s\n", op.Action, op.Path)
	}
	return b.String()
}

func applyDeficiency(err error) string {
	var structural *xerrors.StructuralError
	if errors.As(err, &structural) {
		return structural.Deficiency()
	}
	return err.Error()
}

func joinDeficiencies(deficiencies []string) string {
	return strings.Join(deficiencies, "; ")
}
