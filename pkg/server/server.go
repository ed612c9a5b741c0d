// Package server exposes the maintenance engine over HTTP: task submission
// and inspection, cancellation, a websocket status stream, health checks and
// Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	graphops "github.com/soundprediction/go-graphops"
	"github.com/soundprediction/go-graphops/pkg/config"
	"github.com/soundprediction/go-graphops/pkg/server/handlers"
)

// Server wraps the gin engine and its HTTP listener.
type Server struct {
	cfg      *config.Config
	graphops graphops.GraphOps
	registry *prometheus.Registry
	router   *gin.Engine
	httpSrv  *http.Server
}

// New creates a server for the given client. registry may be nil to skip
// the /metrics endpoint.
func New(cfg *config.Config, g graphops.GraphOps, registry *prometheus.Registry) *Server {
	return &Server{
		cfg:      cfg,
		graphops: g,
		registry: registry,
	}
}

// Setup builds the router and registers all routes.
func (s *Server) Setup() {
	gin.SetMode(s.cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	if s.cfg.Server.Mode != "release" {
		router.Use(gin.Logger())
	}

	healthHandler := handlers.NewHealthHandler(s.graphops)
	tasksHandler := handlers.NewTasksHandler(s.graphops)
	wsHandler := handlers.NewWSHandler(s.graphops)

	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", tasksHandler.Submit)
		tasks.POST("/sync", tasksHandler.RunSync)
		tasks.GET("", tasksHandler.List)
		tasks.GET("/:id", tasksHandler.Get)
		tasks.POST("/:id/cancel", tasksHandler.Cancel)
	}

	router.GET("/ws/tasks", wsHandler.Stream)

	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	s.router = router
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: router,
	}
}

// Router returns the configured gin engine. Setup must have run first.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
