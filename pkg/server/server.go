// Package server provides the HTTP surface of swarmd.
//
// It implements a graceful Echo server exposing task submission, state
// snapshots for reconnecting clients, an SSE bridge over the NATS event
// stream, a health check, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/fyrsmithlabs/swarmd/internal/swarm"
)

// Server is the HTTP server.
type Server struct {
	cfg    config.ServerConfig
	echo   *echo.Echo
	tasks  *swarm.Service
	nc     *nats.Conn
	logger *zap.Logger
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// New creates the HTTP server and registers all routes.
func New(cfg config.ServerConfig, tasks *swarm.Service, nc *nats.Conn, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:    cfg,
		echo:   e,
		tasks:  tasks,
		nc:     nc,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/tasks", s.handleSubmit)
	s.echo.GET("/tasks/:id/state", s.handleGetState)
	s.echo.POST("/tasks/:id/cancel", s.handleCancel)
	s.echo.GET("/tasks/:id/events", s.handleEvents)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "swarmd",
	})
}

// Start starts the server and blocks until the context is cancelled, then
// performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.cfg.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for tests and extensions.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
