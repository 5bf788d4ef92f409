// Package cli wires the persistence layer, the engine, and the operator
// commands behind a single cobra root.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"loom/internal/config"
	"loom/internal/shared/logging"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// ExitError carries the process exit code a command chose. Usage mistakes
// exit 2, failed tasks exit 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error { return &ExitError{Code: 2, Err: err} }

// App holds flag state and the resolved configuration shared by every
// subcommand.
type App struct {
	out io.Writer
	err io.Writer

	configFile   string
	dataDir      string
	workspaceDir string
	logLevel     string
	noColor      bool
	metricsAddr  string

	cfg     config.Config
	logger  logging.Logger
	cleanup []func()
}

// NewApp returns an App writing human output to out and errors to errOut.
func NewApp(out, errOut io.Writer) *App {
	return &App{out: out, err: errOut}
}

// Command builds the loom command tree.
func (a *App) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Durable runner for LLM-drafted code changes",
		Long: `loom drives an objective through specification, planning, patching,
review, and testing, persisting every artifact and state change so an
interrupted run resumes exactly where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default loom.yaml in the current directory)")
	pf.StringVar(&a.dataDir, "data-dir", "", "override data_dir")
	pf.StringVar(&a.workspaceDir, "workspace", "", "override workspace")
	pf.StringVar(&a.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during run and resume")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.AddCommand(
		newRunCommand(a),
		newResumeCommand(a),
		newListCommand(a),
		newShowCommand(a),
		newRollbackCommand(a),
		newServeCommand(a),
	)
	return rootCmd
}

// initialize resolves the configuration and builds the logger. Runs once
// per invocation from the root's PersistentPreRunE.
func (a *App) initialize() error {
	cfg, err := config.Load(config.Options{
		ConfigFile: a.configFile,
		DataDir:    a.dataDir,
		Workspace:  a.workspaceDir,
		LogLevel:   a.logLevel,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.noColor || !isTTY() {
		color.NoColor = true
	}

	level := logging.ParseLevel(cfg.LogLevel)
	logger := logging.Logger(logging.New(os.Stderr, level))
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
		}
		a.cleanup = append(a.cleanup, func() { _ = f.Close() })
		logger = logging.Multi(logger, logging.New(f, level))
	}
	a.logger = logger
	return nil
}

// Close releases resources acquired during initialize.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// Execute runs the CLI with the given arguments and returns the process
// exit code. Interrupt signals cancel the command context so a running
// task settles its lease and stays resumable.
func Execute(args []string) int {
	app := NewApp(os.Stdout, os.Stderr)
	defer app.Close()

	root := app.Command()
	root.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)

	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}
