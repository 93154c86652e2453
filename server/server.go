// Package server is the HTTP surface: a thin echo.Echo wrapper translating
// requests into service.Service calls. It owns no scheduling state of its
// own.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wsiflow/scheduler/internal/metrics"
	"github.com/wsiflow/scheduler/service"
)

// Server wraps an echo.Echo bound to one Service.
type Server struct {
	echo    *echo.Echo
	service *service.Service
	metrics *metrics.Metrics
}

func New(svc *service.Service, m *metrics.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, service: svc, metrics: m}
	s.registerRoutes()
	return s
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.echo.Use(middleware.Logger())
	s.echo.Use(middleware.Recover())

	s.echo.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := s.echo.Group("/api", xUserIDMiddleware)
	api.GET("/workflows", s.handleListWorkflows)
	api.POST("/workflows", s.handleCreateWorkflow)
	api.GET("/workflows/:id", s.handleWorkflowStatus)
	api.POST("/workflows/:id/jobs", s.handleAddJob)
	api.POST("/jobs/:id/cancel", s.handleCancelJob)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
