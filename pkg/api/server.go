package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"clusterkeeper/pkg/api/middleware"
	"clusterkeeper/pkg/cluster"
	tracing "clusterkeeper/pkg/observability"
	"clusterkeeper/pkg/registry"
)

// ClusterView is the node state the API exposes.
type ClusterView interface {
	Status() cluster.Status
	IsLeader() bool
	Workers(ctx context.Context) (*registry.Snapshot, error)
}

// Server encapsulates the HTTP status server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger

	cluster ClusterView
	healthy func() error
}

// Config holds API server configuration.
type Config struct {
	Port    string
	Service string
	Cluster ClusterView
	// Healthy reports whether the node can still take part in the cluster.
	// Nil means always healthy.
	Healthy func() error
	Logger  *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Service == "" {
		cfg.Service = "clusterkeeper"
	}

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.Service))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(cfg.Logger.Named("api")))

	s := &Server{
		router:  router,
		logger:  cfg.Logger.Named("api"),
		cluster: cfg.Cluster,
		healthy: cfg.Healthy,
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		cluster := v1.Group("/cluster")
		{
			cluster.GET("/status", s.getStatus)
			cluster.GET("/nodes", s.listNodes)
			cluster.GET("/leader", s.getLeader)
		}
	}
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
			zap.String("trace_id", tracing.TraceID(c.Request.Context())),
		)
	}
}

// healthCheck reports whether the node still holds its coordination session.
func (s *Server) healthCheck(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK
	resp := gin.H{}

	if s.healthy != nil {
		if err := s.healthy(); err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			resp["error"] = err.Error()
		}
	}
	if s.cluster != nil {
		resp["role"] = s.cluster.Status().Role
	}

	resp["status"] = status
	resp["timestamp"] = time.Now().UTC()
	c.JSON(httpStatus, resp)
}
