package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/agentspy-io/agentspy/pkg/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/dashboard/runs/roots
// ─────────────────────────────────────────────────────────────────────────────

// rootRunsHandler lists root runs (the dashboard's trace list) with
// filtering and pagination. Enum validation for status and the limit
// clamp live in the service; the handler only rejects unparseable input.
func (s *Server) rootRunsHandler(c *echo.Context) error {
	f := models.RootRunFilter{
		Project: c.QueryParam("project"),
		Status:  c.QueryParam("status"),
		Search:  c.QueryParam("search"),
	}

	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be an integer")
		}
		f.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset: must be an integer")
		}
		f.Offset = n
	}
	if v := c.QueryParam("start_time_gte"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start_time_gte: must be RFC3339")
		}
		f.StartTimeGTE = &ts
	}
	if v := c.QueryParam("start_time_lte"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start_time_lte: must be RFC3339")
		}
		f.StartTimeLTE = &ts
	}

	page, err := s.runService.GetRootRuns(c.Request().Context(), f)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/dashboard/runs/:id/hierarchy
// ─────────────────────────────────────────────────────────────────────────────

// hierarchyHandler returns the full child tree under a root run.
func (s *Server) hierarchyHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	tree, err := s.runService.GetHierarchy(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tree)
}

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/dashboard/stats/summary
// ─────────────────────────────────────────────────────────────────────────────

// statsHandler returns cached dashboard aggregates. The cache refreshes
// on the stats broadcaster's interval, so the dashboard never triggers
// the aggregate scan itself.
func (s *Server) statsHandler(c *echo.Context) error {
	stats, err := s.runService.GetDashboardStats(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/dashboard/projects
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) projectsHandler(c *echo.Context) error {
	projects, err := s.runService.ListProjects(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if projects == nil {
		projects = []models.ProjectSummary{}
	}
	return c.JSON(http.StatusOK, &ProjectsResponse{Projects: projects})
}
