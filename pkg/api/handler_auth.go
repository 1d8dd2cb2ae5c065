package api

import (
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// sessionTTL bounds how long a minted dashboard token stays valid.
const sessionTTL = 24 * time.Hour

// ─────────────────────────────────────────────────────────────────────────────
// POST /api/v1/auth/session
// ─────────────────────────────────────────────────────────────────────────────

// createSessionHandler exchanges the caller's API key for a short-lived
// session token. The dashboard stores the token instead of the key, so
// a leaked browser storage entry expires on its own.
func (s *Server) createSessionHandler(c *echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sessions are not configured")
	}

	sess, err := s.sessions.Create(c.Request().Context(), sessionSubject(c), sessionTTL)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusCreated, &SessionResponse{
		Token:     sess.Token,
		Subject:   sess.Subject,
		ExpiresAt: sess.ExpiresAt,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// DELETE /api/v1/auth/session
// ─────────────────────────────────────────────────────────────────────────────

// deleteSessionHandler invalidates the presented session token (logout).
// Idempotent: deleting an unknown or already-expired token still 204s.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sessions are not configured")
	}

	if cred := requestCredential(c); cred != "" {
		s.sessions.Delete(c.Request().Context(), cred)
	}
	return c.NoContent(http.StatusNoContent)
}
