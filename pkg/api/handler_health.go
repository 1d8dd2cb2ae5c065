package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentspy-io/agentspy/pkg/database"
	"github.com/agentspy-io/agentspy/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the server's own components (database, event hub) are checked;
// trace data quality lives under /health/traces so an orchestrator
// never restarts the process over what agents sent it.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	_, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.hub != nil {
		hubStats := s.hub.Stats()
		checks["event_hub"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d subscribers", hubStats.Subscribers),
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.Version,
		Checks:  checks,
	})
}

// livenessHandler handles GET /health/live. Static: it proves the
// process accepts connections, nothing more.
func (s *Server) livenessHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// readinessHandler handles GET /health/ready. Readiness follows the
// database: a server that cannot persist runs should not receive them.
func (s *Server) readinessHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// traceHealthHandler handles GET /health/traces: the trace completeness
// audit over a recent window. Degraded stays HTTP 200 — it is a data
// quality warning, not a process fault; only unhealthy returns 503.
func (s *Server) traceHealthHandler(c *echo.Context) error {
	var window time.Duration
	if v := c.QueryParam("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest,
				"invalid window_hours: must be a positive integer")
		}
		window = time.Duration(n) * time.Hour
	}

	report, err := s.runService.CheckCompleteness(c.Request().Context(), window, c.QueryParam("project"))
	if err != nil {
		return mapServiceError(err)
	}

	httpStatus := http.StatusOK
	if report.Status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, report)
}
