// Package api serves health, metrics and the labeling admin endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server provides the admin HTTP endpoints.
type Server struct {
	handler *Handler
	engine  *gin.Engine
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new admin server listening on port.
func NewServer(h *Handler, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	h.RegisterRoutes(engine)

	return &Server{
		handler: h,
		engine:  engine,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Handler returns the routed engine, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start starts the HTTP server. It returns nil once Stop has been called.
func (s *Server) Start() error {
	s.logger.Info("Admin API listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
