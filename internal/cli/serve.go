package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"loom/internal/artifact"
	"loom/internal/shared/logging"
	"loom/internal/store"
	"loom/internal/task"
)

// apiResponse is the envelope every status endpoint answers with.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// taskSummary is the wire shape of one task.
type taskSummary struct {
	ID           string      `json:"id"`
	Objective    string      `json:"objective"`
	State        task.State  `json:"state"`
	Status       task.Status `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	SpecRepairs  int         `json:"spec_repairs"`
	PatchRepairs int         `json:"patch_repairs"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func summarize(t *task.Task, tc *task.Context) taskSummary {
	return taskSummary{
		ID:           t.ID,
		Objective:    t.Objective,
		State:        t.State,
		Status:       t.Status,
		Reason:       t.Reason,
		SpecRepairs:  tc.SpecRepairs,
		PatchRepairs: tc.PatchRepairs,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// statusServer answers read-only queries against the stores. It never
// claims leases and never mutates task state.
type statusServer struct {
	store     *store.Store
	artifacts *artifact.Store
	logger    logging.Logger
	started   time.Time
}

func newStatusRouter(c *container, logger logging.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsCfg))

	s := &statusServer{
		store:     c.store,
		artifacts: c.artifacts,
		logger:    logging.OrNop(logger),
		started:   time.Now(),
	}
	router.GET("/healthz", s.handleHealth)
	api := router.Group("/api")
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/:id", s.handleGetTask)
	api.GET("/tasks/:id/transitions", s.handleTransitions)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func (s *statusServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}})
}

func (s *statusServer) handleListTasks(c *gin.Context) {
	ctx := c.Request.Context()
	tasks, err := s.store.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apiResponse{Error: err.Error()})
		return
	}

	summaries := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		full, tc, err := s.store.Load(ctx, t.ID)
		if err != nil {
			s.logger.Warn("skipping unreadable task %s: %v", t.ID, err)
			continue
		}
		summaries = append(summaries, summarize(full, tc))
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: summaries})
}

func (s *statusServer) handleGetTask(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")

	t, tc, err := s.store.Load(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, apiResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, apiResponse{Error: err.Error()})
		return
	}

	artifacts := map[task.ArtifactKind]int{}
	kinds, err := s.artifacts.Kinds(ctx, taskID)
	if err == nil {
		for _, k := range kinds {
			if v, verr := s.artifacts.LatestVersion(ctx, taskID, k); verr == nil {
				artifacts[k] = v
			}
		}
	}

	c.JSON(http.StatusOK, apiResponse{Success: true, Data: gin.H{
		"task":      summarize(t, tc),
		"artifacts": artifacts,
	}})
}

func (s *statusServer) handleTransitions(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")

	if _, _, err := s.store.Load(ctx, taskID); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, apiResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, apiResponse{Error: err.Error()})
		return
	}

	transitions, err := s.store.Transitions(ctx, taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apiResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: transitions})
}

func newServeCommand(a *App) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only status API over HTTP",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageError(fmt.Errorf("serve takes no arguments"))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(a.cfg)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           newStatusRouter(c, a.logger),
				ReadHeaderTimeout: 5 * time.Second,
				WriteTimeout:      30 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.logger.Info("status API listening on %s", addr)
			fmt.Fprintf(a.out, "listening on %s\n", addr)

			select {
			case <-cmd.Context().Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
