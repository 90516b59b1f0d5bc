// Package v1 provides the public HTTP handlers of the telemetry API.
package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/service"
)

// ProjectHeader names the project an ingest or query request belongs to.
const ProjectHeader = "X-Project-Id"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/projects", h.CreateProject)

	// Runs
	e.POST("/v1/runs/ingest", h.IngestRuns)
	e.GET("/v1/runs", h.SearchRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/logs", h.GetRunLogs)
	e.POST("/v1/filters/compile", h.CompileFilter)

	// Evaluators
	e.POST("/v1/evaluators", h.CreateEvaluator)
	e.GET("/v1/evaluators", h.ListEvaluators)
	e.GET("/v1/evaluators/:evaluator_id/results", h.ListEvaluationResults)

	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// CreateProjectRequest is the request to create a project.
type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateProject creates a project, or returns it if the id already exists.
// POST /v1/projects
func (h *Handler) CreateProject(c echo.Context) error {
	var req CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	project, err := h.service.CreateProject(c.Request().Context(), req.ID, req.Name)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, project)
}

// writeError maps domain errors to status codes.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// projectID reads the project from the header, falling back to the
// projectId query parameter.
func projectID(c echo.Context) string {
	if id := c.Request().Header.Get(ProjectHeader); id != "" {
		return id
	}
	return c.QueryParam("projectId")
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}
