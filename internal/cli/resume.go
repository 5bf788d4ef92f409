package cli

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"loom/internal/engine"
	"loom/internal/task"
)

func newResumeCommand(a *App) *cobra.Command {
	var (
		all      bool
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "resume [task-id]",
		Short: "Resume an interrupted task",
		Long: `Resumes a pending task from its persisted state. With no argument the
oldest resumable task is picked; --all resumes every resumable task with
bounded concurrency. Tasks whose lease is held by a live runner are
skipped.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return usageError(fmt.Errorf("resume takes at most one task ID"))
			}
			if all && len(args) > 0 {
				return usageError(fmt.Errorf("pass a task ID or --all, not both"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(a.cfg)
			if err != nil {
				return err
			}
			eng, err := a.buildEngine(c)
			if err != nil {
				return err
			}

			stop := startMetricsServer(a.metricsAddr, a.logger)
			defer stop()

			ctx := cmd.Context()
			if all {
				ids, err := c.store.FindResumable(ctx)
				if err != nil {
					return err
				}
				return a.resumeAll(cmd, eng, ids, parallel)
			}

			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			} else {
				ids, err := c.store.FindResumable(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(a.out, "nothing to resume")
					return nil
				}
				taskID = ids[0]
			}

			fmt.Fprintf(a.out, "%s %s\n", cyan("resuming"), taskID)
			if err := eng.Run(ctx, taskID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s\n", green("done"), taskID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "resume every resumable task")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "max tasks resumed concurrently with --all")
	return cmd
}

// resumeAll drives every given task. Failed tasks are reported but do not
// cancel their siblings; only infrastructure errors abort the group.
func (a *App) resumeAll(cmd *cobra.Command, eng *engine.Engine, ids []string, parallel int) error {
	if len(ids) == 0 {
		fmt.Fprintln(a.out, "nothing to resume")
		return nil
	}
	if parallel < 1 {
		parallel = 1
	}

	var (
		mu      sync.Mutex
		failed  int
		skipped int
	)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(parallel)
	for _, taskID := range ids {
		g.Go(func() error {
			err := eng.Run(ctx, taskID)
			switch {
			case err == nil:
				fmt.Fprintf(a.out, "%s %s\n", green("done"), taskID)
				return nil
			case errors.Is(err, task.ErrLeaseHeld):
				a.logger.Info("skipping %s: %v", taskID, err)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			default:
				var tf *engine.TaskFailedError
				if errors.As(err, &tf) {
					fmt.Fprintf(a.out, "%s %s: %s\n", red("failed"), taskID, tf.Reason)
					mu.Lock()
					failed++
					mu.Unlock()
					return nil
				}
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "resumed %d task(s): %d failed, %d skipped\n", len(ids), failed, skipped)
	if failed > 0 {
		return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d resumed tasks failed", failed, len(ids))}
	}
	return nil
}
