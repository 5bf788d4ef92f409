package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

func newRollbackCommand(a *App) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rollback <task-id> <patch-version>",
		Short: "Restore the workspace to before a patch was applied",
		Long: `Replays the snapshot manifest of an applied patch in reverse, restoring
every touched file. The task record is left untouched; rollback is an
operator action, not a state transition.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageError(fmt.Errorf("rollback takes a task ID and a patch version"))
			}
			if _, err := strconv.Atoi(args[1]); err != nil {
				return usageError(fmt.Errorf("patch version %q is not a number", args[1]))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			version, _ := strconv.Atoi(args[1])
			if version < 1 {
				return usageError(fmt.Errorf("patch version must be at least 1"))
			}

			if !yes {
				if !isTTY() {
					return fmt.Errorf("confirmation needs a terminal; pass --yes to proceed")
				}
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Restore workspace of %s to before patch v%d", taskID, version),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					if errors.Is(err, promptui.ErrAbort) {
						fmt.Fprintln(a.out, "rollback aborted")
						return nil
					}
					return err
				}
			}

			c, err := a.open(a.cfg)
			if err != nil {
				return err
			}
			if err := c.applier.Rollback(cmd.Context(), taskID, version); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s restored workspace of %s to before patch v%d\n", green("ok"), taskID, version)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
