// Package api serves one inference session over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/tessera/internal/webui"
)

type Server struct {
	store    *GenerationStore
	service  *GenerationService
	gatherer prometheus.Gatherer
}

// NewServer wires the routes. A nil gatherer serves the default registry.
func NewServer(store *GenerationStore, service *GenerationService, gatherer prometheus.Gatherer) *Server {
	if store == nil {
		store = NewGenerationStore(0)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		store:    store,
		service:  service,
		gatherer: gatherer,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/generations/:id", s.handleGetGeneration)
	e.DELETE("/v1/generations/:id", s.handleDeleteGeneration)

	e.POST("/v1/stop", s.handleStop)
	e.POST("/v1/reset", s.handleReset)
	e.GET("/v1/status", s.handleStatus)

	e.GET("/metrics", wrap(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	e.GET("/", wrap(webui.Handler()))
}

func wrap(h http.Handler) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "generation service not configured")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	var writer *SSEStreamWriter
	var streamWriter StreamWriter
	if req.streaming() {
		w, err := NewSSEStreamWriter(c)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		writer = w
		streamWriter = w
	}

	gen, err := s.service.Generate(c.Request().Context(), &req, streamWriter)
	if gen != nil {
		s.store.Save(*gen)
	}
	if writer != nil && writer.Started() {
		return nil
	}
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, gen)
	case gen != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		status, _ := classify(err)
		return c.JSON(status, gen)
	default:
		return writeFailure(c, err)
	}
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	gen, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, gen)
}

func (s *Server) handleDeleteGeneration(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, DeleteGenerationResp{
		ID:      id,
		Object:  "generation.deleted",
		Deleted: true,
	})
}

func (s *Server) handleStop(c *echo.Context) error {
	return c.JSON(http.StatusOK, StopResponse{Stopping: s.service.Stop()})
}

func (s *Server) handleReset(c *echo.Context) error {
	if err := s.service.Reset(); err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, ResetResponse{Reset: true})
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Status())
}
