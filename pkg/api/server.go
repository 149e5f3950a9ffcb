// Package api exposes the HTTP control surface: project and run CRUD,
// run control actions, event polling and SSE streaming, and worker
// introspection.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/queue"
	"github.com/runforge/agentrunner/pkg/services"
)

// WorkerController is the slice of the worker pool the API needs: status for
// GET /worker/status, one synchronous tick for POST /worker/process, and
// in-process cancellation for stop actions.
type WorkerController interface {
	Status(ctx context.Context) *queue.PoolStatus
	ProcessOnce(ctx context.Context) (int, error)
	CancelRun(runID int64) bool
}

// Config carries the server tunables pulled from Settings at startup.
type Config struct {
	Addr         string
	CORSOrigins  []string
	SSEKeepalive time.Duration
	Debug        bool
}

// Server is the HTTP server. Construction wires routes; Start binds the
// listener.
type Server struct {
	cfg    Config
	logger *slog.Logger

	db       *database.Client
	projects *services.ProjectService
	runs     *services.RunService
	eventLog *services.EventService
	hub      *events.Hub
	worker   WorkerController

	router *gin.Engine
	http   *http.Server
}

// NewServer builds the server and registers all routes. worker may be nil
// when the process runs API-only; the worker endpoints then return 503.
func NewServer(cfg Config, db *database.Client, projects *services.ProjectService,
	runs *services.RunService, eventLog *services.EventService, hub *events.Hub,
	worker WorkerController) *Server {

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.SSEKeepalive <= 0 {
		cfg.SSEKeepalive = 20 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		logger:   slog.Default().With("component", "api"),
		db:       db,
		projects: projects,
		runs:     runs,
		eventLog: eventLog,
		hub:      hub,
		worker:   worker,
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(s.logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.cfg.CORSOrigins))
	router.Use(securityHeaders())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/projects", s.handleListProjects)
	router.POST("/projects", s.handleCreateProject)

	router.GET("/runs", s.handleListRuns)
	router.POST("/runs", s.handleCreateRun)
	router.GET("/runs/:id", s.handleGetRun)
	router.POST("/runs/:id/pause", s.handlePauseRun)
	router.POST("/runs/:id/resume", s.handleResumeRun)
	router.POST("/runs/:id/stop", s.handleStopRun)
	router.POST("/runs/:id/directive", s.handleDirective)
	router.GET("/runs/:id/events", s.handleListEvents)
	router.GET("/runs/:id/events/stream", s.handleStreamEvents)

	router.GET("/worker/status", s.handleWorkerStatus)
	router.POST("/worker/process", s.handleWorkerProcess)

	return router
}

// Handler returns the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}
