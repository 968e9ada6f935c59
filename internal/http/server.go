// Package http provides the HTTP API for mofsci.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/events"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
	"github.com/fyrsmithlabs/mofsci/internal/runstore"
	"github.com/fyrsmithlabs/mofsci/internal/services"
)

// RunService starts and looks up runs. *services.Manager implements it.
type RunService interface {
	Registry() *registry.Registry
	Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.Result, error)
	Start(req orchestrator.RunRequest) (string, error)
	Cancel(runID string) error
	Running(runID string) bool
	Get(ctx context.Context, runID string) (*orchestrator.Snapshot, error)
	Trace(ctx context.Context, runID string) ([]orchestrator.TraceRecord, error)
	List(ctx context.Context, opts runstore.ListOptions) ([]runstore.Summary, error)
	Subscribe(runID string) (*events.Subscription, error)
	Streaming() bool
}

var _ RunService = (*services.Manager)(nil)

// Server provides HTTP endpoints for mofsci.
type Server struct {
	echo   *echo.Echo
	runs   RunService
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler

	// Heartbeat is the SSE keep-alive interval (default: 30s).
	Heartbeat time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(runs RunService, logger *zap.Logger, cfg *Config) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		runs:   runs,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.MetricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.config.MetricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/tools", s.handleTools)
	v1.GET("/runs", s.handleListRuns)
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.DELETE("/runs/:id", s.handleCancelRun)
	v1.GET("/runs/:id/events", s.handleRunEvents)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "mofsci"})
}

func (s *Server) handleTools(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runs.Registry().Describe())
}

// handleCreateRun runs a request. Failed outcomes are still 200: the body
// carries the outcome.
func (s *Server) handleCreateRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Request) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request field is required")
	}
	runReq := orchestrator.RunRequest{Text: req.Request, StructurePath: req.StructurePath}

	c.Set(runModeKey, "sync")
	if req.Async {
		c.Set(runModeKey, "async")
		runID, err := s.runs.Start(runReq)
		if err != nil {
			return s.runError(err)
		}
		c.Response().Header().Set(echo.HeaderLocation, "/api/v1/runs/"+runID)
		return c.JSON(http.StatusAccepted, StartedResponse{RunID: runID, Status: StatusAccepted})
	}

	res, err := s.runs.Run(c.Request().Context(), runReq)
	if err != nil {
		return s.runError(err)
	}
	return c.JSON(http.StatusOK, res.Snapshot)
}

func (s *Server) runError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	s.logger.Error("run could not start", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "run could not start")
}

func (s *Server) handleListRuns(c echo.Context) error {
	opts := runstore.ListOptions{Outcome: orchestrator.Outcome(c.QueryParam("outcome"))}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		opts.Limit = n
	}
	list, err := s.runs.List(c.Request().Context(), opts)
	if err != nil {
		s.logger.Error("listing runs", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing runs failed")
	}
	if list == nil {
		list = []runstore.Summary{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) runID(c echo.Context) (string, error) {
	id := c.Param("id")
	if err := logging.ValidateRunID(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	return id, nil
}

// handleGetRun returns the final snapshot of a finished run, or 202 with
// the trace so far while it is in flight.
func (s *Server) handleGetRun(c echo.Context) error {
	id, err := s.runID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	snap, err := s.runs.Get(ctx, id)
	if err == nil {
		return c.JSON(http.StatusOK, snap)
	}
	if !errors.Is(err, services.ErrNotFound) {
		s.logger.Error("loading run", zap.String("run_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}
	if !s.runs.Running(id) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	resp := RunStatusResponse{RunID: id, Status: StatusRunning}
	if trace, err := s.runs.Trace(ctx, id); err == nil {
		resp.Trace = trace
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	id, err := s.runID(c)
	if err != nil {
		return err
	}
	if err := s.runs.Cancel(id); err != nil {
		if errors.Is(err, services.ErrNotRunning) {
			return echo.NewHTTPError(http.StatusNotFound, "run is not in flight")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, StartedResponse{RunID: id, Status: StatusCancelling})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
