// Package gate runs the deterministic checks that stand between an applied
// patch and DONE: every written path must exist, and the tester's commands
// must behave as declared. Command failures are evidence for the next repair
// draft, never Go errors; only runner infrastructure problems surface as
// transient errors.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	xerrors "loom/internal/errors"
	"loom/internal/shared/logging"
	"loom/internal/task"
	"loom/internal/workspace"
)

const (
	// DefaultMaxCommands bounds how many tester commands one report may run.
	DefaultMaxCommands = 3
	// DefaultCommandTimeout bounds one command's wall time.
	DefaultCommandTimeout = 30 * time.Second

	maxOutputBytes = 4096
)

// Runner executes test plans inside the workspace root.
type Runner struct {
	ws          *workspace.Workspace
	maxCommands int
	timeout     time.Duration
	logger      logging.Logger
}

func NewRunner(ws *workspace.Workspace, maxCommands int, timeout time.Duration, logger logging.Logger) *Runner {
	if maxCommands <= 0 {
		maxCommands = DefaultMaxCommands
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Runner{
		ws:          ws,
		maxCommands: maxCommands,
		timeout:     timeout,
		logger:      logging.OrNop(logger),
	}
}

// Run checks the applied patch against the test plan. The files-exist gate
// comes first: when a written path is missing, the patch plainly did not
// land and the commands are skipped. Commands run through sh -c in the
// workspace root, bounded in count and wall time, with output tails kept as
// evidence.
func (r *Runner) Run(ctx context.Context, p *task.Patch, plan *task.TestPlan) (*task.TestReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &task.TestReport{Passed: true}

	if p != nil {
		for _, path := range p.WrittenPaths() {
			exists, err := r.ws.Exists(path)
			if err != nil {
				return nil, xerrors.NewTransientError(err, fmt.Sprintf("check %s", path))
			}
			if !exists {
				report.Passed = false
				report.Deficiencies = append(report.Deficiencies,
					fmt.Sprintf("expected file missing after apply: %s", path))
			}
		}
		if !report.Passed {
			report.Deficiencies = append(report.Deficiencies,
				"test commands skipped: patched files are missing")
			return report, nil
		}
	}

	if plan == nil || len(plan.Commands) == 0 {
		return report, nil
	}

	commands := plan.Commands
	if len(commands) > r.maxCommands {
		r.logger.Warn("test plan proposes %d commands, running the first %d", len(commands), r.maxCommands)
		commands = commands[:r.maxCommands]
	}

	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := r.runCommand(ctx, cmd)
		if err != nil {
			return nil, err
		}
		report.Results = append(report.Results, result)
		if !result.Passed {
			report.Passed = false
			report.Deficiencies = append(report.Deficiencies,
				fmt.Sprintf("command %q failed: %s", result.Command, result.Reason))
		}
	}
	return report, nil
}

func (r *Runner) runCommand(ctx context.Context, tc task.TestCommand) (task.CommandResult, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", tc.Command)
	cmd.Dir = r.ws.Root()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	result := task.CommandResult{
		Command: tc.Command,
		Output:  combinedTail(&stdout, &stderr),
	}

	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Reason = fmt.Sprintf("timed out after %s", r.timeout)
		r.logger.Debug("test command %q timed out", tc.Command)
		return result, nil
	case runErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, xerrors.NewTransientError(runErr, fmt.Sprintf("run %q", tc.Command))
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if result.ExitCode != tc.ExpectExit {
		result.Reason = fmt.Sprintf("exit code %d, want %d", result.ExitCode, tc.ExpectExit)
		return result, nil
	}
	if tc.ExpectSubstring != "" && !strings.Contains(result.Output, tc.ExpectSubstring) {
		result.Reason = fmt.Sprintf("output does not contain %q", tc.ExpectSubstring)
		return result, nil
	}

	result.Passed = true
	r.logger.Debug("test command %q passed in %s", tc.Command, elapsed)
	return result, nil
}

// combinedTail joins stdout and stderr and keeps the tail, where failures
// usually print.
func combinedTail(stdout, stderr *bytes.Buffer) string {
	out := strings.TrimSpace(stdout.String())
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		if out != "" {
			out += "\n"
		}
		out += errText
	}
	if len(out) > maxOutputBytes {
		out = "..." + out[len(out)-maxOutputBytes:]
	}
	return out
}
