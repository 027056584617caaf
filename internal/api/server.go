// Package api serves the local control surface: status, unsynced backlog,
// gap review and the operational levers (inject, rebind, replay). It binds to
// loopback by default and carries no auth; the till's network boundary is the
// perimeter.
package api

import (
	"context"
	"net/http"
	"time"

	"example.com/retailstack/pos-agent/internal/agent"
	"example.com/retailstack/pos-agent/internal/api/handlers"
	"example.com/retailstack/pos-agent/internal/metrics"
	"example.com/retailstack/pos-agent/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the control HTTP server
type Server struct {
	addr       string
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the control server.
func NewServer(addr string, a *agent.Agent, st *store.Store, m *metrics.Metrics) *Server {
	server := &Server{addr: addr}
	server.router = server.setupRouter(a, st, m)
	server.httpServer = &http.Server{
		Addr:    addr,
		Handler: server.router,
	}
	return server
}

func (s *Server) setupRouter(a *agent.Agent, st *store.Store, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	agentHandler := handlers.NewAgentHandler(a, st, m)
	agentHandler.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		if !m.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the control server and blocks until shutdown.
func (s *Server) Start() error {
	log.Info().Str("address", s.addr).Msg("Starting control server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "control server error")
	}
	return nil
}

// Shutdown gracefully stops the control server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down control server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "control server shutdown error")
	}
	return nil
}
