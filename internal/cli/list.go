package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/task"
)

func newListCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks, oldest first",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageError(fmt.Errorf("list takes no arguments"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(a.cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			tasks, err := c.store.List(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(a.out, "no tasks")
				return nil
			}

			// Padded before coloring so ANSI codes don't skew the columns.
			header := fmt.Sprintf("%-32s  %-12s  %-9s  %-5s  %-5s  %s",
				"ID", "STATE", "STATUS", "AGE", "S/P", "OBJECTIVE")
			fmt.Fprintln(a.out, bold(header))
			for _, t := range tasks {
				repairs := "-"
				if _, tc, err := c.store.Load(ctx, t.ID); err == nil {
					repairs = fmt.Sprintf("%d/%d", tc.SpecRepairs, tc.PatchRepairs)
				}
				fmt.Fprintf(a.out, "%-32s  %-12s  %s  %-5s  %-5s  %s\n",
					t.ID, t.State, statusCell(t.Status), age(t.CreatedAt), repairs,
					truncate(t.Objective, 48))
			}
			return nil
		},
	}
}

// statusCell pads outside the color codes so alignment survives ANSI.
func statusCell(s task.Status) string {
	return colorStatus(s) + strings.Repeat(" ", max(0, 9-len(s)))
}

func colorStatus(s task.Status) string {
	switch s {
	case task.StatusSucceeded:
		return green(string(s))
	case task.StatusFailed:
		return red(string(s))
	default:
		return yellow(string(s))
	}
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
