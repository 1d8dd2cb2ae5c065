// Package api hosts the HTTP surface: LangSmith-compatible ingest, the
// dashboard query API, health probes, auth sessions, and the WebSocket
// event stream. The OTLP/HTTP receiver mounts here too; its handler
// lives in pkg/otlp.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/agentspy-io/agentspy/pkg/config"
	"github.com/agentspy-io/agentspy/pkg/database"
	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/services"
	"github.com/agentspy-io/agentspy/pkg/session"
)

// Server wires every HTTP endpoint onto one echo instance.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	dbClient *database.Client

	runService      *services.RunService
	feedbackService *services.FeedbackService
	hub             *events.Hub
	sessions        session.Store
	limiter         RateLimiter

	otlpHandler  http.Handler
	dashboardDir string

	httpsrv *http.Server
}

// NewServer builds the server with middleware and API routes in place.
// The OTLP receiver and dashboard assets attach afterwards through
// their Set* methods, before Start.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	runService *services.RunService,
	feedbackService *services.FeedbackService,
	hub *events.Hub,
	sessions session.Store,
) *Server {
	s := &Server{
		echo:            echo.New(),
		cfg:             cfg,
		dbClient:        dbClient,
		runService:      runService,
		feedbackService: feedbackService,
		hub:             hub,
		sessions:        sessions,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newTokenBucketLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware installs the chain. Order matters: recovery wraps
// everything, auth runs before rate limiting so the limiter keys on
// authenticated identity, and both run before any handler.
func (s *Server) setupMiddleware() {
	e := s.echo
	e.Use(middleware.Recover())
	e.Use(securityHeaders())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization", "x-api-key"},
	}))
	e.Use(requestTimeout(s.cfg.RequestTimeout))
	e.Use(bodyLimit(maxRequestBytes))
	e.Use(s.authMiddleware())
	e.Use(s.rateLimitMiddleware())
}

func (s *Server) setupRoutes() {
	e := s.echo

	// Health probes (unauthenticated, orchestrator-facing).
	e.GET("/health", s.healthHandler)
	e.GET("/health/live", s.livenessHandler)
	e.GET("/health/ready", s.readinessHandler)
	e.GET("/health/traces", s.traceHealthHandler)

	// LangSmith-compatible ingest surface.
	e.GET("/api/v1/info", s.infoHandler)
	e.POST("/api/v1/runs", s.createRunHandler)
	e.PATCH("/api/v1/runs/:id", s.patchRunHandler)
	e.GET("/api/v1/runs/:id", s.getRunHandler)
	e.POST("/api/v1/runs/batch", s.batchIngestHandler)

	// Feedback.
	e.POST("/api/v1/feedback", s.createFeedbackHandler)
	e.GET("/api/v1/feedback/:id", s.getFeedbackHandler)
	e.GET("/api/v1/runs/:id/feedback", s.listRunFeedbackHandler)

	// Dashboard queries.
	e.GET("/api/v1/dashboard/runs/roots", s.rootRunsHandler)
	e.GET("/api/v1/dashboard/runs/:id/hierarchy", s.hierarchyHandler)
	e.GET("/api/v1/dashboard/stats/summary", s.statsHandler)
	e.GET("/api/v1/dashboard/projects", s.projectsHandler)

	// Dashboard auth sessions.
	e.POST("/api/v1/auth/session", s.createSessionHandler)
	e.DELETE("/api/v1/auth/session", s.deleteSessionHandler)

	// Live event stream. Both paths serve the same endpoint: /ws for
	// humans and reverse proxies, the /api/v1 alias for SDK clients
	// that derive every URL from one base.
	e.GET("/ws", s.wsHandler)
	e.GET("/api/v1/ws", s.wsHandler)
}

// SetOTLPHandler mounts the OTLP/HTTP receiver at the configured export
// path. Call before Start; a nil handler leaves OTLP/HTTP unrouted.
func (s *Server) SetOTLPHandler(h http.Handler) {
	if h == nil {
		return
	}
	s.otlpHandler = h
	s.echo.POST(s.cfg.OTLPHTTPPath, func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpsrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpsrv.ListenAndServe()
}

// StartWithListener serves on a caller-provided listener. Tests use it to
// bind an ephemeral port before starting the server.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpsrv = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpsrv.Serve(ln)
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpsrv == nil {
		return nil
	}
	return s.httpsrv.Shutdown(ctx)
}
