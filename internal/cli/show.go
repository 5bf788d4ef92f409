package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"loom/internal/artifact"
	"loom/internal/task"
)

func parseKind(s string) (task.ArtifactKind, error) {
	k := task.ArtifactKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case task.KindSpec, task.KindSpecReview, task.KindPlan, task.KindPatch,
		task.KindPatchReview, task.KindTestPlan, task.KindTestReport, task.KindResearch:
		return k, nil
	default:
		return "", usageError(fmt.Errorf("unknown artifact kind %q", s))
	}
}

func newShowCommand(a *App) *cobra.Command {
	var (
		kind     string
		version  int
		showDiff bool
	)

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task, one of its artifacts, or an artifact diff",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError(fmt.Errorf("show takes exactly one task ID"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(a.cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			taskID := args[0]

			if kind == "" {
				if showDiff || version != 0 {
					return usageError(fmt.Errorf("--version and --diff need --kind"))
				}
				return a.showTask(ctx, c, taskID)
			}

			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			if showDiff {
				return a.showDiff(ctx, c, taskID, k, version)
			}
			return a.showArtifact(ctx, c, taskID, k, version)
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "artifact kind (spec, spec_review, plan, patch, patch_review, test_plan, test_report, research)")
	cmd.Flags().IntVarP(&version, "version", "v", 0, "artifact version (default latest)")
	cmd.Flags().BoolVarP(&showDiff, "diff", "d", false, "diff the selected version against its predecessor")
	return cmd
}

func (a *App) showTask(ctx context.Context, c *container, taskID string) error {
	t, tc, err := c.store.Load(ctx, taskID)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s %s\n", bold("Task"), t.ID)
	fmt.Fprintf(a.out, "  Objective: %s\n", t.Objective)
	fmt.Fprintf(a.out, "  State:     %s\n", t.State)
	fmt.Fprintf(a.out, "  Status:    %s\n", colorStatus(t.Status))
	fmt.Fprintf(a.out, "  Repairs:   spec %d/%d, patch %d/%d\n",
		tc.SpecRepairs, a.cfg.Engine.MaxSpecRepairs, tc.PatchRepairs, a.cfg.Engine.MaxPatchRepairs)
	fmt.Fprintf(a.out, "  Created:   %s (%s ago)\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"), age(t.CreatedAt))
	fmt.Fprintf(a.out, "  Updated:   %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.Reason != "" {
		fmt.Fprintf(a.out, "  Reason:    %s\n", t.Reason)
	}

	kinds, err := c.artifacts.Kinds(ctx, taskID)
	if err != nil {
		return err
	}
	if len(kinds) > 0 {
		fmt.Fprintf(a.out, "\n%s\n", bold("Artifacts"))
		for _, k := range kinds {
			v, err := c.artifacts.LatestVersion(ctx, taskID, k)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "  %-13s v%d\n", k, v)
		}
	}

	transitions, err := c.store.Transitions(ctx, taskID)
	if err != nil {
		return err
	}
	if len(transitions) > 0 {
		fmt.Fprintf(a.out, "\n%s\n", bold("Transitions"))
		for _, tr := range transitions {
			guard := string(tr.Guard)
			if guard == "" {
				guard = "-"
			}
			line := fmt.Sprintf("  %s  %-12s -> %-12s %s", tr.CreatedAt.Local().Format("15:04:05"), tr.From, tr.To, guard)
			if tr.Reason != "" {
				line += gray("  (" + truncate(tr.Reason, 60) + ")")
			}
			fmt.Fprintln(a.out, line)
		}
	}
	return nil
}

func (a *App) showArtifact(ctx context.Context, c *container, taskID string, k task.ArtifactKind, version int) error {
	var (
		env *artifact.Envelope
		err error
	)
	if version > 0 {
		env, err = c.artifacts.Get(ctx, taskID, k, version)
	} else {
		env, err = c.artifacts.Latest(ctx, taskID, k)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, gray(fmt.Sprintf("%s v%d  %s", env.Kind, env.Version, env.CreatedAt.Local().Format("2006-01-02 15:04:05"))))
	fmt.Fprintln(a.out, a.renderBody(env))
	return nil
}

func (a *App) showDiff(ctx context.Context, c *container, taskID string, k task.ArtifactKind, version int) error {
	b := version
	if b == 0 {
		latest, err := c.artifacts.LatestVersion(ctx, taskID, k)
		if err != nil {
			return err
		}
		b = latest
	}
	if b < 2 {
		return fmt.Errorf("%s v%d has no predecessor to diff against", k, b)
	}

	res, err := c.artifacts.Diff(ctx, taskID, k, b-1, b)
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, res.UnifiedDiff)
	fmt.Fprintln(a.out, gray(res.FormatSummary()))
	return nil
}

// renderBody renders plain-text payloads as terminal markdown when stdout
// is a terminal; structured payloads and piped output stay verbatim.
func (a *App) renderBody(env *artifact.Envelope) string {
	body := env.Text()
	var plain string
	if err := env.Decode(&plain); err != nil {
		return body
	}
	f, ok := a.out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return body
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < 30 {
		width = 100
	}
	return string(markdown.Render(plain, width, 2))
}
