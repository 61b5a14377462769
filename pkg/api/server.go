// Package api is the control surface of the automation engine: recipe
// CRUD, health, debug, restoration, cancellation, emergency stop, and
// the SSE stream for manually triggered test firings.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/threadswap/pushpilot/pkg/config"
	"github.com/threadswap/pushpilot/pkg/database"
	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/executor"
	"github.com/threadswap/pushpilot/pkg/ledger"
	"github.com/threadswap/pushpilot/pkg/restore"
	"github.com/threadswap/pushpilot/pkg/scheduler"
	"github.com/threadswap/pushpilot/pkg/store"
)

// Server is the HTTP control plane.
type Server struct {
	cfg        *config.Config
	instanceID string

	store     *store.Store
	scheduler *scheduler.Scheduler
	restorer  *restore.Restorer
	executor  *executor.Executor
	bus       *events.Bus
	ledger    ledger.Ledger
	db        *database.Client // nil when the ledger is in-memory

	// baseCtx outlives individual requests; test firings run on it so a
	// dropped SSE connection does not abort the firing.
	baseCtx context.Context

	httpServer *http.Server
}

// NewServer wires the control plane over the live engine components.
// db may be nil.
func NewServer(cfg *config.Config, instanceID string, st *store.Store, sched *scheduler.Scheduler, restorer *restore.Restorer, exec *executor.Executor, bus *events.Bus, lgr ledger.Ledger, db *database.Client) *Server {
	return &Server{
		cfg:        cfg,
		instanceID: instanceID,
		store:      st,
		scheduler:  sched,
		restorer:   restorer,
		executor:   exec,
		bus:        bus,
		ledger:     lgr,
		db:         db,
		baseCtx:    context.Background(),
	}
}

// SetBaseContext overrides the long-lived context used by test firings.
func (s *Server) SetBaseContext(ctx context.Context) {
	s.baseCtx = ctx
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)

	automation := router.Group("/automation")
	{
		automation.GET("/recipes", s.handleListRecipes)
		automation.POST("/recipes", s.handleCreateRecipe)
		automation.GET("/recipes/:id", s.handleGetRecipe)
		automation.PUT("/recipes/:id", s.handleUpdateRecipe)
		automation.DELETE("/recipes/:id", s.handleDeleteRecipe)

		automation.GET("/debug", s.handleDebug)
		automation.POST("/restore", s.handleRestore)
		automation.POST("/reschedule", s.handleReschedule)
		automation.POST("/control", s.handleControl)

		automation.GET("/test/:id", s.handleTestFiring)
		automation.POST("/test/:id/kill", s.handleTestKill)
	}

	return router
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
