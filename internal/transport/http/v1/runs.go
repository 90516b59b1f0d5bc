package v1

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/service"
)

// IngestRequest carries one event or a list of events.
type IngestRequest struct {
	Events json.RawMessage `json:"events"`
}

// IngestRuns ingests a batch of run events.
// POST /v1/runs/ingest
func (h *Handler) IngestRuns(c echo.Context) error {
	pid := projectID(c)
	if pid == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ProjectHeader + " header is required"})
	}

	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	events, err := splitEvents(req.Events)
	if err != nil {
		return writeError(c, err)
	}

	results, err := h.service.IngestBatch(c.Request().Context(), pid, events)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// splitEvents accepts either a single event object or an array of them.
func splitEvents(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, domain.Invalid("events", "is required")
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{trimmed}, nil
	}
	var events []json.RawMessage
	if err := json.Unmarshal(trimmed, &events); err != nil {
		return nil, domain.Invalid("events", "%v", err)
	}
	return events, nil
}

// SearchRuns lists the runs of a project matching a filter tree.
// GET /v1/runs?projectId=...&filters=[...]&limit=50&offset=0
func (h *Handler) SearchRuns(c echo.Context) error {
	q := service.RunSearch{ProjectID: projectID(c)}
	if q.ProjectID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "projectId is required"})
	}
	if f := c.QueryParam("filters"); f != "" {
		q.Filters = json.RawMessage(f)
	}
	var err error
	if q.Limit, err = queryInt(c, "limit"); err != nil {
		return writeError(c, err)
	}
	if q.Offset, err = queryInt(c, "offset"); err != nil {
		return writeError(c, err)
	}

	runs, err := h.service.SearchRuns(c.Request().Context(), q)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GetRun gets a run by id.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunLogs lists the log lines of a run.
// GET /v1/runs/:run_id/logs
func (h *Handler) GetRunLogs(c echo.Context) error {
	logs, err := h.service.ListRunLogs(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"logs": logs})
}

// CompileFilterRequest carries a filter tree.
type CompileFilterRequest struct {
	Filters json.RawMessage `json:"filters"`
}

// CompileFilter returns the SQL fragment of a filter tree.
// POST /v1/filters/compile
func (h *Handler) CompileFilter(c echo.Context) error {
	var req CompileFilterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.Filters) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "filters is required"})
	}
	frag, err := h.service.CompileFilter(req.Filters)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, frag)
}
