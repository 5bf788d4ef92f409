package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/diff"
	"loom/internal/engine"
	xerrors "loom/internal/errors"
	"loom/internal/gate"
	"loom/internal/id"
	"loom/internal/patch"
	"loom/internal/research"
	"loom/internal/role"
	"loom/internal/store"
	"loom/internal/workspace"
)

// container is the wired persistence layer. Commands that only inspect
// state stop here; run and resume add an engine on top.
type container struct {
	cfg      config.Config
	runnerID string

	store     *store.Store
	artifacts *artifact.Store
	ws        *workspace.Workspace
	applier   *patch.Applier
}

// open wires the stores for cfg. One runner ID is minted per process and
// shared between the task store and the engine, since lease checks compare
// the committing store's owner against the lease holder.
func (a *App) open(cfg config.Config) (*container, error) {
	runnerID := id.NewRunnerID()

	st, err := store.New(cfg.DataDir, runnerID, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	diffGen := diff.NewGenerator(3, !color.NoColor)
	arts, err := artifact.NewStore(cfg.DataDir, diffGen)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	ws, err := workspace.New(cfg.Workspace, workspace.Limits{
		MaxReadBytes:      cfg.WorkspaceLimits.MaxReadBytes,
		MaxListEntries:    cfg.WorkspaceLimits.MaxListEntries,
		AllowedExtensions: cfg.WorkspaceLimits.AllowedExtensions,
	})
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	// With the default layout the data directory sits inside the workspace;
	// patches must never be able to touch task records or blobs.
	ws.DenySubtree(cfg.DataDir)

	return &container{
		cfg:       cfg,
		runnerID:  runnerID,
		store:     st,
		artifacts: arts,
		ws:        ws,
		applier:   patch.NewApplier(ws, arts, a.logger),
	}, nil
}

// buildEngine wires a full engine over the container. Requires a
// configured role command.
func (a *App) buildEngine(c *container) (*engine.Engine, error) {
	cfg := c.cfg
	if len(cfg.Role.Command) == 0 {
		return nil, errors.New("role.command is not configured; set it in loom.yaml or LOOM_ROLE_COMMAND")
	}

	client, err := role.NewExecClient(cfg.Role.Command, cfg.Role.Timeout, a.logger)
	if err != nil {
		return nil, fmt.Errorf("role client: %w", err)
	}

	var researcher research.Researcher
	if cfg.Research.Enabled {
		researcher = research.NewHTTPResearcher(cfg.Research.Timeout, a.logger)
	}

	retry := xerrors.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Engine.TransientRetries

	eng, err := engine.New(engine.Dependencies{
		Store:      c.store,
		Artifacts:  c.artifacts,
		Applier:    c.applier,
		Gateway:    client,
		Gate:       gate.NewRunner(c.ws, cfg.Tester.MaxCommands, cfg.Tester.CommandTimeout, a.logger),
		Researcher: researcher,
		DiffGen:    diff.NewGenerator(3, false),
		Logger:     a.logger,
	}, engine.Config{
		MaxSpecRepairs:   cfg.Engine.MaxSpecRepairs,
		MaxPatchRepairs:  cfg.Engine.MaxPatchRepairs,
		LeaseTTL:         cfg.Engine.LeaseTTL,
		Temperature:      cfg.Role.Temperature,
		MaxContextTokens: cfg.Role.MaxContextTokens,
		ResearchMaxURLs:  cfg.Research.MaxURLs,
		Owner:            c.runnerID,
		Retry:            retry,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return eng, nil
}
