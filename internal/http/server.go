// Package http exposes the forged REST API: project submission,
// generation control, status, artifacts, and cleanup. The layer holds
// no state of its own; every handler is a thin adapter over the
// orchestrator and merge services, translating the error taxonomy onto
// HTTP status codes.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/merge"
	"github.com/fyrsmithlabs/forged/internal/orchestrator"
	"github.com/fyrsmithlabs/forged/internal/project"
)

// Server provides the HTTP endpoints for forged.
type Server struct {
	echo    *echo.Echo
	service orchestrator.Service
	merger  merge.Service
	logger  *logging.Logger
	config  *Config
	ready   atomic.Bool
}

// Config holds HTTP server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// DefaultConfig returns the standard listen address.
func DefaultConfig() *Config {
	return &Config{
		Host: "localhost",
		Port: 8090,
	}
}

// NewServer creates a new HTTP server over the given services.
func NewServer(svc orchestrator.Service, merger merge.Service, logger *logging.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("orchestrator service cannot be nil")
	}
	if merger == nil {
		return nil, fmt.Errorf("merge service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Thread the request id through the context so service
			// logs line up with the access log.
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			duration := time.Since(start)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", requestID),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		service: svc,
		merger:  merger,
		logger:  logger.Named("http"),
		config:  cfg,
	}
	s.ready.Store(true)

	// Register routes
	s.registerRoutes()

	return s, nil
}

// SetReady flips the readiness probe. The daemon marks the server
// not-ready before draining so load balancers stop routing to it
// while in-flight requests finish.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health checks
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/readyz", s.handleReady)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.GET("/providers", s.handleProviders)
	v1.POST("/projects", s.handleSubmit)
	v1.POST("/projects/:id/generate", s.handleGenerate)
	v1.POST("/projects/:id/stop", s.handleStop)
	v1.GET("/projects/:id/status", s.handleStatus)
	v1.GET("/projects/:id/artifact", s.handleArtifact)
	v1.POST("/projects/:id/merge", s.handleMerge)
	v1.DELETE("/projects/:id", s.handleCleanup)
}

// httpError maps the error taxonomy onto HTTP status codes. Unmapped
// errors surface as 500 with their message intact; handlers never leak
// stack details.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, project.ErrValidation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, project.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrLeaseConflict),
		errors.Is(err, project.ErrNotCancellable),
		errors.Is(err, project.ErrNotReady):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady reports readiness to serve API traffic.
func (s *Server) handleReady(c echo.Context) error {
	if !s.ready.Load() {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "draining"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ready"})
}

// handleProviders lists the registered provider names.
func (s *Server) handleProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, ProvidersResponse{Providers: s.service.Providers()})
}

// handleSubmit registers a new project. The specification arrives
// either as a JSON envelope (with optional policy and seed files) or
// as raw YAML — a multipart upload with a "spec" file field, or the
// request body itself.
func (s *Server) handleSubmit(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := s.decodeSubmit(c)
	if err != nil {
		return err
	}

	proj, err := s.service.Submit(ctx, req.Specification, req.Policy, req.SeedFiles)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, SubmitResponse{
		ProjectID: proj.ID,
		Status:    proj.Status,
	})
}

// decodeSubmit extracts the submit request from one of the accepted
// body shapes.
func (s *Server) decodeSubmit(c echo.Context) (*SubmitRequest, error) {
	contentType := c.Request().Header.Get(echo.HeaderContentType)

	switch {
	case strings.HasPrefix(contentType, echo.MIMEApplicationJSON):
		var req SubmitRequest
		if err := c.Bind(&req); err != nil {
			s.logger.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		return &req, nil

	case strings.HasPrefix(contentType, echo.MIMEMultipartForm):
		file, err := c.FormFile("spec")
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "multipart submit requires a spec file field")
		}
		f, err := file.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable spec file")
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable spec file")
		}
		spec, err := project.ParseSpecification(data)
		if err != nil {
			return nil, httpError(err)
		}
		return &SubmitRequest{Specification: *spec}, nil

	default:
		// Raw YAML body.
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
		}
		spec, err := project.ParseSpecification(data)
		if err != nil {
			return nil, httpError(err)
		}
		return &SubmitRequest{Specification: *spec}, nil
	}
}

// handleGenerate launches the generation loop for a project.
func (s *Server) handleGenerate(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("id")

	var req GenerateRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			s.logger.Warn(ctx, "invalid generate request", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}

	proj, err := s.service.StartGeneration(ctx, orchestrator.StartRequest{
		ProjectID: projectID,
		Spec:      req.Specification,
		Policy:    req.Policy,
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusAccepted, AcceptedResponse{
		Accepted:   true,
		ProjectID:  proj.ID,
		Generation: proj.Generation,
	})
}

// handleStop flags a running generation for cancellation.
func (s *Server) handleStop(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("id")

	if err := s.service.RequestStop(ctx, projectID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{
		Accepted:  true,
		ProjectID: projectID,
	})
}

// handleStatus reports the project's run state.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	report, err := s.service.GetStatus(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// handleArtifact serves the merged final artifact.
func (s *Server) handleArtifact(c echo.Context) error {
	ctx := c.Request().Context()

	artifact, err := s.service.GetFinalArtifact(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, artifact)
}

// handleMerge rebuilds the final artifact explicitly. The build is
// idempotent, so repeating the call is harmless.
func (s *Server) handleMerge(c echo.Context) error {
	ctx := c.Request().Context()

	artifact, err := s.merger.Build(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, artifact)
}

// handleCleanup removes a project's iteration records. The final
// artifact survives unless keepFinal=false is passed.
func (s *Server) handleCleanup(c echo.Context) error {
	ctx := c.Request().Context()

	keepFinal := true
	if raw := c.QueryParam("keepFinal"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "keepFinal must be a boolean")
		}
		keepFinal = parsed
	}

	removed, err := s.service.Cleanup(ctx, c.Param("id"), keepFinal)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, CleanupResponse{
		ProjectID:    c.Param("id"),
		RemovedCount: removed,
		KeptFinal:    keepFinal,
	})
}

// Echo exposes the underlying router so the daemon can attach
// infrastructure endpoints such as /metrics.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
