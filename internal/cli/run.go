package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// taskFile is the YAML shape accepted by run --file.
type taskFile struct {
	Objective string `yaml:"objective"`
	Workspace string `yaml:"workspace"`
	DataDir   string `yaml:"data_dir"`
}

func readTaskFile(path string) (taskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return taskFile{}, fmt.Errorf("read task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return taskFile{}, fmt.Errorf("parse task file %s: %w", path, err)
	}
	if strings.TrimSpace(tf.Objective) == "" {
		return taskFile{}, usageError(fmt.Errorf("task file %s has no objective", path))
	}
	return tf, nil
}

func newRunCommand(a *App) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "run [objective]",
		Short: "Create a task and drive it to completion",
		Long: `Creates a task for the given objective and runs it until it settles in
DONE or FAILED. The objective comes from the arguments or from a YAML
task file with fields objective, workspace, and data_dir.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) == 0 {
				return usageError(fmt.Errorf("an objective or --file is required"))
			}
			if file != "" && len(args) > 0 {
				return usageError(fmt.Errorf("pass an objective or --file, not both"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			objective := strings.TrimSpace(strings.Join(args, " "))
			if file != "" {
				tf, err := readTaskFile(file)
				if err != nil {
					return err
				}
				objective = strings.TrimSpace(tf.Objective)
				if tf.Workspace != "" {
					cfg.Workspace = tf.Workspace
				}
				if tf.DataDir != "" {
					cfg.DataDir = tf.DataDir
				}
			}

			c, err := a.open(cfg)
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
			t, err := eng.Create(ctx, objective)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s\n", cyan("created"), t.ID)

			started := time.Now()
			if err := eng.Run(ctx, t.ID); err != nil {
				return err
			}

			settled, tc, err := c.store.Load(ctx, t.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s in %s (patch v%d applied)\n",
				green("done"), settled.ID, time.Since(started).Round(time.Second), tc.PatchVersion())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML task file (objective, workspace, data_dir)")
	return cmd
}
