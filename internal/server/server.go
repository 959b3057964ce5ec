// Package server exposes the supervisor over HTTP: a JSON API for sessions,
// plans, events and outcomes, plus a websocket stream of bus events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/httpmw"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/lifecycle"
	"github.com/gg-salo/fleet-commander/internal/outcome"
	"github.com/gg-salo/fleet-commander/internal/plan"
	"github.com/gg-salo/fleet-commander/internal/reconcile"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to localhost; same trust boundary as the CLI.
		return true
	},
}

// Server is the HTTP API for one fleetd instance.
type Server struct {
	cfg        config.ServerConfig
	stores     *store.Provider
	sessions   *session.Manager
	plans      *plan.Service
	engine     *lifecycle.Engine
	outcomes   *outcome.Service
	reconciler *reconcile.Service
	bus        bus.EventBus
	hub        *Hub
	logger     *logger.Logger
	router     *gin.Engine

	http   *http.Server
	busSub bus.Subscription
}

// NewServer builds the router and wires the handlers. Start must be called
// to begin serving.
func NewServer(
	cfg config.ServerConfig,
	stores *store.Provider,
	sessions *session.Manager,
	plans *plan.Service,
	engine *lifecycle.Engine,
	outcomes *outcome.Service,
	reconciler *reconcile.Service,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		stores:     stores,
		sessions:   sessions,
		plans:      plans,
		engine:     engine,
		outcomes:   outcomes,
		reconciler: reconciler,
		bus:        eventBus,
		hub:        NewHub(log),
		logger:     log.WithFields(zap.String("component", "api-server")),
		router:     gin.New(),
	}

	s.router.Use(httpmw.RequestLogger(s.logger, "fleetd"))
	s.router.Use(httpmw.OtelTracing("fleetd"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws/events", s.handleEventStream)

	api := s.router.Group("/api/v1")
	{
		api.GET("/projects", s.handleListProjects)

		project := api.Group("/projects/:project")
		{
			project.GET("/sessions", s.handleListSessions)
			project.POST("/sessions", s.handleSpawnSession)
			project.GET("/sessions/:id", s.handleGetSession)
			project.POST("/sessions/:id/send", s.handleSendMessage)
			project.POST("/sessions/:id/kill", s.handleKillSession)
			project.POST("/sessions/:id/restore", s.handleRestoreSession)
			project.POST("/sessions/:id/check", s.handleCheckSession)
			project.POST("/sessions/:id/status", s.handleOverrideStatus)

			project.GET("/plans", s.handleListPlans)
			project.POST("/plans", s.handleCreatePlan)
			project.GET("/plans/:planId", s.handleGetPlan)
			project.POST("/plans/:planId/approve", s.handleApprovePlan)
			project.POST("/plans/:planId/spawn", s.handleSpawnTasks)
			project.POST("/plans/:planId/reconcile", s.handleSpawnReconcile)

			project.GET("/events", s.handleQueryEvents)
			project.GET("/outcomes", s.handleListOutcomes)
			project.GET("/lessons", s.handleLessons)
			project.GET("/summary", s.handleSummary)
		}
	}
}

// Start binds the hub to the event bus and begins serving in the
// background. The listener shuts down when Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if s.bus != nil {
		sub, err := s.hub.BindBus(s.bus)
		if err != nil {
			return fmt.Errorf("failed to bind event stream: %w", err)
		}
		s.busSub = sub
	}
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeoutDuration(),
		// No WriteTimeout: websocket connections are long-lived and the
		// JSON handlers are bounded by their own contexts.
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("api server listening", zap.String("addr", addr))
	return nil
}

// Shutdown stops the listener and detaches from the event bus.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.busSub != nil {
		s.busSub.Unsubscribe()
		s.busSub = nil
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleEventStream upgrades to a websocket and attaches the client to the
// hub. GET /ws/events?project=<key> filters to one project.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(uuid.New().String(), conn, s.hub, c.Query("project"), s.logger)
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// httpStatus maps service errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownProject),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, plan.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionTerminal),
		errors.Is(err, plan.ErrPlanNotEditable),
		errors.Is(err, store.ErrSessionExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}
