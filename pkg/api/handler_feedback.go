package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/agentspy-io/agentspy/pkg/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// POST /api/v1/feedback
// ─────────────────────────────────────────────────────────────────────────────

// createFeedbackHandler attaches a score or annotation to a run, in the
// shape the LangSmith client.create_feedback call sends.
func (s *Server) createFeedbackHandler(c *echo.Context) error {
	var req models.CreateFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request format")
	}

	fb, err := s.feedbackService.CreateFeedback(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, fb)
}

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/feedback/:id
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) getFeedbackHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid feedback id")
	}

	fb, err := s.feedbackService.GetFeedback(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, fb)
}

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/runs/:id/feedback
// ─────────────────────────────────────────────────────────────────────────────

// listRunFeedbackHandler lists all feedback attached to a run, oldest
// first. A run with no feedback returns an empty list, not 404.
func (s *Server) listRunFeedbackHandler(c *echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	items, err := s.feedbackService.ListRunFeedback(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(err)
	}
	if items == nil {
		items = []*models.Feedback{}
	}
	return c.JSON(http.StatusOK, &FeedbackListResponse{Feedback: items})
}
