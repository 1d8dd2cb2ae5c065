package api

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// SetDashboardDir registers SPA static serving rooted at dir. Call
// after NewServer so API routes keep priority; an empty dir leaves the
// server API-only.
func (s *Server) SetDashboardDir(dir string) {
	s.dashboardDir = dir
	s.setupDashboardRoutes()
}

// setupDashboardRoutes mounts the catch-all SPA handler. A directory
// without index.html means "no dashboard built", not an error, so the
// backend runs fine without frontend artifacts.
func (s *Server) setupDashboardRoutes() {
	if s.dashboardDir == "" {
		return
	}
	if _, err := os.Stat(filepath.Join(s.dashboardDir, "index.html")); err != nil {
		slog.Warn("Dashboard directory has no index.html, skipping static routes",
			"dir", s.dashboardDir)
		return
	}

	s.echo.GET("/*", s.spaHandler)
	slog.Info("Dashboard static routes registered", "dir", s.dashboardDir)
}

// spaHandler serves files under dashboardDir, falling back to
// index.html for client-side routes. API, health, and WebSocket paths
// never fall through: a wrong URL there should 404 loudly, not hand
// HTML to a JSON client.
func (s *Server) spaHandler(c *echo.Context) error {
	p := c.Request().URL.Path
	if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/health") || p == "/ws" {
		return echo.NewHTTPError(http.StatusNotFound, http.StatusText(http.StatusNotFound))
	}

	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	full := filepath.Join(s.dashboardDir, filepath.FromSlash(rel))
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		// Vite writes content-hashed bundles under assets/; everything
		// else (index.html, favicon, robots.txt) must revalidate so
		// deployments propagate.
		if strings.HasPrefix(p, "/assets/") {
			c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			c.Response().Header().Set("Cache-Control", "no-cache")
		}
		http.ServeFile(c.Response(), c.Request(), full)
		return nil
	}

	c.Response().Header().Set("Cache-Control", "no-cache")
	http.ServeFile(c.Response(), c.Request(), filepath.Join(s.dashboardDir, "index.html"))
	return nil
}
