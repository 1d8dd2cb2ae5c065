package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// requestCredential extracts the caller's credential: the x-api-key
// header, an Authorization bearer token, or — for browser WebSocket
// dials, which cannot set custom headers — an api_key query parameter.
// Either a configured API key or a live session token is accepted
// wherever a credential is.
func requestCredential(c *echo.Context) string {
	if key := c.Request().Header.Get("x-api-key"); key != "" {
		return key
	}
	if bearer, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer "); ok && bearer != "" {
		return bearer
	}
	return c.QueryParam("api_key")
}

// sessionSubject labels who a dashboard session is minted for, from
// proxy headers when an auth proxy fronts the server.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > "api-client"
func sessionSubject(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}

// authMiddleware rejects unauthenticated calls when REQUIRE_AUTH is on.
// Health probes and dashboard static assets stay open; everything under
// /api/, the WebSocket endpoint, and the OTLP export path require a
// credential. Runs before the WebSocket upgrade like any other request.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	keys := make(map[string]bool, len(s.cfg.APIKeys))
	for _, k := range s.cfg.APIKeys {
		keys[k] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.cfg.RequireAuth || !s.authRequired(c.Request().URL.Path) {
				return next(c)
			}

			cred := requestCredential(c)
			if cred == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if keys[cred] {
				return next(c)
			}
			if s.sessions != nil {
				if _, ok := s.sessions.Get(c.Request().Context(), cred); ok {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
	}
}

// authRequired reports whether path sits behind authentication.
func (s *Server) authRequired(path string) bool {
	if strings.HasPrefix(path, "/api/") || path == "/ws" {
		return true
	}
	return s.cfg.OTLPHTTPPath != "" && path == s.cfg.OTLPHTTPPath
}
