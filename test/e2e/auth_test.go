package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// Scenario 15: API-Key Authentication
//
// With REQUIRE_AUTH on, every /api/ route, the OTLP export path, and
// the WebSocket endpoint demand a credential; health probes stay open.
// ────────────────────────────────────────────────────────────

func TestE2E_APIKeyAuth(t *testing.T) {
	app := NewTestApp(t, WithAPIKeys("sk-e2e-alpha", "sk-e2e-beta"))

	// No credential at all.
	resp := app.rawRequest(t, http.MethodGet, "/api/v1/info", nil, nil)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "authentication required")

	// Health probes never need a key.
	resp = app.rawRequest(t, http.MethodGet, "/health", nil, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The helpers attach the first configured key.
	id := newRunID()
	app.CreateRun(t, runRow(id, "authed-run", "chain", nil))
	assert.Equal(t, "running", app.GetRun(t, id)["status"])

	// Any configured key works, via either header form.
	resp = app.rawRequest(t, http.MethodGet, "/api/v1/info",
		map[string]string{"Authorization": "Bearer sk-e2e-beta"}, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.rawRequest(t, http.MethodGet, "/api/v1/info",
		map[string]string{"x-api-key": "sk-e2e-wrong"}, nil)
	body, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "invalid credentials")

	// The OTLP HTTP path sits behind the same gate.
	resp = app.rawRequest(t, http.MethodPost, app.Config.OTLPHTTPPath,
		map[string]string{"Content-Type": "application/x-protobuf"}, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// WebSocket: ConnectWS dials with api_key in the query string.
	ws := app.ConnectWS(t)
	require.NoError(t, ws.Subscribe())

	// A bare dial is refused during the handshake.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bare, err := WSConnect(ctx, app.WSURL)
	if bare != nil {
		_ = bare.Close()
	}
	require.Error(t, err, "unauthenticated WebSocket dial must be refused")
}

// ────────────────────────────────────────────────────────────
// Scenario 16: Dashboard Session Tokens
// ────────────────────────────────────────────────────────────

func TestE2E_SessionTokenFlow(t *testing.T) {
	app := NewTestApp(t, WithAPIKeys("sk-e2e-alpha"))

	// Mint a session with the API key. Without proxy headers the
	// subject falls back to the generic api-client label.
	sess := app.postJSON(t, "/api/v1/auth/session", nil, http.StatusCreated)
	token, _ := sess["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "api-client", sess["subject"])

	expires, err := time.Parse(time.RFC3339Nano, sess["expires_at"].(string))
	require.NoError(t, err)
	assert.Greater(t, time.Until(expires), 23*time.Hour, "session TTL should be about a day")

	// The token is a full credential: header or bearer form.
	resp := app.rawRequest(t, http.MethodGet, "/api/v1/info",
		map[string]string{"Authorization": "Bearer " + token}, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.rawRequest(t, http.MethodGet, "/api/v1/dashboard/stats/summary",
		map[string]string{"x-api-key": token}, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// An auth proxy in front of the server names the subject.
	resp = app.rawRequest(t, http.MethodPost, "/api/v1/auth/session",
		map[string]string{"x-api-key": "sk-e2e-alpha", "X-Forwarded-User": "ops@example.com"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var proxied struct {
		Subject string `json:"subject"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&proxied))
	_ = resp.Body.Close()
	assert.Equal(t, "ops@example.com", proxied.Subject)

	// Logout invalidates the presented token.
	resp = app.rawRequest(t, http.MethodDelete, "/api/v1/auth/session",
		map[string]string{"Authorization": "Bearer " + token}, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = app.rawRequest(t, http.MethodGet, "/api/v1/info",
		map[string]string{"Authorization": "Bearer " + token}, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "logged-out token no longer authenticates")

	// Deleting with a key credential is an idempotent no-op.
	resp = app.rawRequest(t, http.MethodDelete, "/api/v1/auth/session",
		map[string]string{"x-api-key": "sk-e2e-alpha"}, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
