package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspy-io/agentspy/pkg/cache"
	"github.com/agentspy-io/agentspy/pkg/config"
	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/services"
	"github.com/agentspy-io/agentspy/pkg/session"
	"github.com/agentspy-io/agentspy/pkg/storage"
	util "github.com/agentspy-io/agentspy/test/util"
)

// newTestServer wires a full Server against an isolated test database.
// Auth is off; auth behavior has its own middleware-level tests.
func newTestServer(t *testing.T) (*Server, *services.RunService) {
	t.Helper()

	client := util.SetupTestClient(t)
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)

	cfg := &config.Config{
		MaxTraceSizeMB: 10,
		RequestTimeout: 30 * time.Second,
		CORSOrigins:    []string{"*"},
		WSPingInterval: 30 * time.Second,
		WSBufferSize:   64,
		WSMaxDropped:   1024,
		StatsInterval:  time.Hour,
		StatsWindow:    24 * time.Hour,
		OTLPHTTPPath:   "/v1/traces",
	}

	runs := services.NewRunService(storage.NewRunStore(client.DB()), hub, cache.NewMemoryCache(), cfg)
	feedback := services.NewFeedbackService(storage.NewFeedbackStore(client.DB()))

	s := NewServer(cfg, client, runs, feedback, hub, session.NewMemoryStore())
	return s, runs
}

// doRequest round-trips one request through the full middleware chain.
func doRequest(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v),
		"response body: %s", rec.Body.String())
}

func TestInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/info", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info InfoResponse
	decodeBody(t, rec, &info)
	assert.NotEmpty(t, info.Version)
	assert.Equal(t, "default", info.TenantHandle)
	assert.Equal(t, maxRequestBytes, info.BatchIngestConfig.SizeLimitBytes,
		"SDKs size their batches from this value")
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("overall health is healthy with a live database", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var health HealthResponse
		decodeBody(t, rec, &health)
		assert.Equal(t, healthStatusHealthy, health.Status)
		assert.NotEmpty(t, health.Version)
		assert.Equal(t, healthStatusHealthy, health.Checks["database"].Status)
		assert.Contains(t, health.Checks, "event_hub")
	})

	t.Run("liveness is static", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health/live", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status": "alive"}`, rec.Body.String())
	})

	t.Run("readiness follows the database", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health/ready", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status": "ready"}`, rec.Body.String())
	})

	t.Run("trace health reports a perfect score on an empty window", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health/traces?window_hours=6", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var report struct {
			Status            string  `json:"status"`
			CompletenessScore float64 `json:"completeness_score"`
			WindowHours       int     `json:"window_hours"`
		}
		decodeBody(t, rec, &report)
		assert.Equal(t, healthStatusHealthy, report.Status)
		assert.Equal(t, 1.0, report.CompletenessScore)
		assert.Equal(t, 6, report.WindowHours)
	})

	t.Run("trace health rejects a malformed window", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health/traces?window_hours=soon", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/auth/session", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var created SessionResponse
	decodeBody(t, rec, &created)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, "api-client", created.Subject)
	assert.True(t, created.ExpiresAt.After(time.Now()))

	// The minted token is live in the store.
	_, ok := s.sessions.Get(context.Background(), created.Token)
	assert.True(t, ok)

	// Logout invalidates it; repeating the logout stays 204.
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	out := httptest.NewRecorder()
	s.echo.ServeHTTP(out, req)
	require.Equal(t, http.StatusNoContent, out.Code)

	_, ok = s.sessions.Get(context.Background(), created.Token)
	assert.False(t, ok)

	out = httptest.NewRecorder()
	s.echo.ServeHTTP(out, httptest.NewRequest(http.MethodDelete, "/api/v1/auth/session", nil))
	assert.Equal(t, http.StatusNoContent, out.Code)
}

func TestSessionSubjectFromProxyHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/session", nil)
	req.Header.Set("X-Forwarded-User", "alice")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created SessionResponse
	decodeBody(t, rec, &created)
	assert.Equal(t, "alice", created.Subject)
}
