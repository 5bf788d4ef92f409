package role

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	xerrors "loom/internal/errors"
	"loom/internal/shared/jsonx"
	"loom/internal/task"
)

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)
	codeFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z]*[ \\t]*\\n?(.*?)```")
)

var errEmptyResponse = errors.New("empty role response")

// DecodeResult turns raw model text into a validated Result for the role.
// Models wrap JSON in think blocks, code fences, and prose; the codec strips
// those, extracts the outermost object, and repairs near-JSON before giving
// up. Every failure is transient and carries a corrective hint for the
// retried request.
func DecodeResult(r Role, raw string) (*Result, error) {
	text := strings.TrimSpace(thinkBlockRe.ReplaceAllString(raw, ""))
	if text == "" {
		return nil, xerrors.NewTransientWithHint(errEmptyResponse,
			fmt.Sprintf("role %s returned no content", r),
			"respond with exactly one JSON object")
	}

	res, err := decodeJSON(text)
	if err != nil {
		return nil, xerrors.NewTransientWithHint(err,
			fmt.Sprintf("role %s output is not valid JSON", r),
			"output a single JSON object with no prose or markdown around it")
	}
	if err := validateResult(r, res); err != nil {
		return nil, xerrors.NewTransientWithHint(err,
			fmt.Sprintf("role %s result failed validation", r),
			err.Error())
	}
	return res, nil
}

// decodeJSON tries the text as-is first, so valid JSON that merely contains
// backticks or braces in its strings is never rewritten. Only then it peels
// a code fence, extracts the outermost brace span, and finally runs a
// jsonrepair pass over that span.
func decodeJSON(text string) (*Result, error) {
	var res Result
	directErr := jsonx.Unmarshal([]byte(text), &res)
	if directErr == nil {
		return &res, nil
	}

	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		if fenced := strings.TrimSpace(m[1]); fenced != "" {
			text = fenced
			res = Result{}
			if err := jsonx.Unmarshal([]byte(text), &res); err == nil {
				return &res, nil
			}
		}
	}

	candidate := extractJSONObject(text)
	if candidate == "" {
		candidate = text
	} else {
		res = Result{}
		if err := jsonx.Unmarshal([]byte(candidate), &res); err == nil {
			return &res, nil
		}
	}

	repaired, repairErr := jsonrepair.JSONRepair(candidate)
	if repairErr != nil {
		return nil, directErr
	}
	res = Result{}
	if err := jsonx.Unmarshal([]byte(repaired), &res); err != nil {
		return nil, directErr
	}
	return &res, nil
}

// extractJSONObject returns the span from the first '{' to the last '}', or
// "" when no such span exists.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// validateResult enforces the role's output schema. The engine never
// inspects free-form text; anything that fails here is retried, never
// treated as a rejection.
func validateResult(r Role, res *Result) error {
	switch r {
	case Architect:
		if strings.TrimSpace(res.Spec) == "" {
			return errors.New(`missing "spec": non-empty specification text`)
		}
	case Planner:
		if res.Plan == nil || len(res.Plan.Steps) == 0 {
			return errors.New(`missing "plan": at least one step`)
		}
		for i, step := range res.Plan.Steps {
			if strings.TrimSpace(step) == "" {
				return fmt.Errorf("plan step %d is empty", i+1)
			}
		}
	case Coder:
		if res.Patch == nil || len(res.Patch.Ops) == 0 {
			return errors.New(`missing "patch": at least one operation`)
		}
		for i, op := range res.Patch.Ops {
			if err := validateOp(op); err != nil {
				return fmt.Errorf("patch op %d: %w", i+1, err)
			}
		}
	case SpecCritic, PatchCritic:
		if res.Verdict == nil {
			return errors.New(`missing "verdict": {approved, deficiencies}`)
		}
		if !res.Verdict.Approved && len(res.Verdict.Deficiencies) == 0 {
			return errors.New("rejected verdict must list at least one deficiency")
		}
	case Tester:
		if res.TestPlan == nil || len(res.TestPlan.Commands) == 0 {
			return errors.New(`missing "test_plan": at least one command`)
		}
		for i, cmd := range res.TestPlan.Commands {
			if strings.TrimSpace(cmd.Command) == "" {
				return fmt.Errorf("test command %d is empty", i+1)
			}
		}
	default:
		return fmt.Errorf("unknown role %q", string(r))
	}
	return nil
}

func validateOp(op task.Op) error {
	switch op.Action {
	case task.OpCreate, task.OpEdit, task.OpDelete:
	default:
		return fmt.Errorf("unknown action %q, want create, edit, or delete", op.Action)
	}
	path := strings.TrimSpace(op.Path)
	if path == "" {
		return errors.New("missing path")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q is absolute, want workspace-relative", op.Path)
	}
	return nil
}
