package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// CreateEvaluator creates an evaluator. The project comes from the body or,
// when absent there, from the request.
// POST /v1/evaluators
func (h *Handler) CreateEvaluator(c echo.Context) error {
	var ev domain.Evaluator
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if ev.ProjectID == "" {
		ev.ProjectID = projectID(c)
	}
	if ev.ProjectID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "projectId is required"})
	}

	created, err := h.service.CreateEvaluator(c.Request().Context(), &ev)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// ListEvaluators lists the evaluators of a project.
// GET /v1/evaluators?projectId=...&mode=realtime
func (h *Handler) ListEvaluators(c echo.Context) error {
	pid := projectID(c)
	if pid == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "projectId is required"})
	}
	evaluators, err := h.service.ListEvaluators(c.Request().Context(), pid, domain.EvaluatorMode(c.QueryParam("mode")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"evaluators": evaluators})
}

// ListEvaluationResults lists the latest results of an evaluator.
// GET /v1/evaluators/:evaluator_id/results?limit=50
func (h *Handler) ListEvaluationResults(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return writeError(c, err)
	}
	results, err := h.service.ListEvaluationResults(c.Request().Context(), c.Param("evaluator_id"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}
