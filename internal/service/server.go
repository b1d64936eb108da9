// Package service exposes the gateway over HTTP
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ensemble-gateway/ensemble/internal/breaker"
	"github.com/ensemble-gateway/ensemble/internal/ensemble"
	"github.com/ensemble-gateway/ensemble/internal/health"
	"github.com/ensemble-gateway/ensemble/internal/ratelimit"
	"github.com/ensemble-gateway/ensemble/internal/registry"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Server is the HTTP surface of the gateway
type Server struct {
	engine *gin.Engine
	server *http.Server

	orchestrator *ensemble.Orchestrator
	registry     *registry.Registry
	breakers     *breaker.Manager
	limiters     *ratelimit.Manager
	monitor      *health.Monitor

	auth   types.AuthConfig
	logger *utils.Logger
}

// NewServer assembles the HTTP server and its routes
func NewServer(
	cfg types.ServerConfig,
	auth types.AuthConfig,
	orchestrator *ensemble.Orchestrator,
	reg *registry.Registry,
	breakers *breaker.Manager,
	limiters *ratelimit.Manager,
	monitor *health.Monitor,
	logger *utils.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:       engine,
		orchestrator: orchestrator,
		registry:     reg,
		breakers:     breakers,
		limiters:     limiters,
		monitor:      monitor,
		auth:         auth,
		logger:       logger,
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestIDMiddleware())
	engine.Use(s.loggingMiddleware())

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/analyze", s.handleAnalyze)

		v1.GET("/health", s.handleHealthSummary)
		v1.GET("/health/:provider", s.handleProviderHealth)
		v1.POST("/health/:provider/check", s.handleCheckProvider)

		v1.GET("/breakers", s.handleBreakerMetrics)
		v1.GET("/ratelimits", s.handleRateLimits)

		v1.POST("/auth/token", s.handleIssueToken)

		v1.GET("/providers", s.handleListProviders)
		v1.GET("/providers/:name", s.handleGetProvider)
	}

	// Mutating operations require admin auth
	admin := v1.Group("")
	admin.Use(s.authMiddleware())
	{
		admin.POST("/providers", s.handleAddProvider)
		admin.PUT("/providers/:name", s.handleUpdateProvider)
		admin.DELETE("/providers/:name", s.handleRemoveProvider)
		admin.POST("/breakers/reset", s.handleResetBreakers)
	}
}

// Start begins serving; it blocks until the listener fails or closes
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the engine for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// shutdownTimeout bounds graceful shutdown
const shutdownTimeout = 15 * time.Second

// ShutdownTimeout returns the default graceful shutdown budget
func ShutdownTimeout() time.Duration {
	return shutdownTimeout
}
