package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/agentspy-io/agentspy/pkg/otlp"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// rawRequest performs an HTTP request without any implicit headers. The
// caller owns the response body. Auth tests use this to control exactly
// which credential, if any, travels with the request.
func (app *TestApp) rawRequest(t *testing.T, method, path string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (app *TestApp) doJSON(t *testing.T, method, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if app.apiKey != "" {
		req.Header.Set("x-api-key", app.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: unexpected status", method, path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodPost, path, body, expectedStatus)
}

func (app *TestApp) patchJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodPatch, path, body, expectedStatus)
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodGet, path, nil, expectedStatus)
}

// ────────────────────────────────────────────────────────────
// Ingest API Helpers
// ────────────────────────────────────────────────────────────

// SubmitBatch posts a {post, patch} batch envelope and returns the parsed
// result. The envelope itself always lands 200; row failures surface in
// the errors array.
func (app *TestApp) SubmitBatch(t *testing.T, post, patch []map[string]interface{}) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{}
	if post != nil {
		body["post"] = post
	}
	if patch != nil {
		body["patch"] = patch
	}
	return app.postJSON(t, "/api/v1/runs/batch", body, http.StatusOK)
}

// CreateRun posts a single run and returns the stored state.
func (app *TestApp) CreateRun(t *testing.T, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/v1/runs", payload, http.StatusOK)
}

// PatchRun patches a single run and returns the post-merge state.
func (app *TestApp) PatchRun(t *testing.T, runID string, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.patchJSON(t, "/api/v1/runs/"+runID, payload, http.StatusOK)
}

// GetRun retrieves one run by id.
func (app *TestApp) GetRun(t *testing.T, runID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/v1/runs/"+runID, http.StatusOK)
}

// runRow builds a minimal batch row. Tests splice in whatever extra
// fields the scenario needs.
func runRow(id, name, runType string, fields map[string]interface{}) map[string]interface{} {
	row := map[string]interface{}{
		"id":         id,
		"name":       name,
		"run_type":   runType,
		"start_time": "2026-05-01T10:00:00Z",
		"inputs":     map[string]interface{}{"query": name},
	}
	for k, v := range fields {
		row[k] = v
	}
	return row
}

// completedFields are the patch fields that land a run on completed.
func completedFields() map[string]interface{} {
	return map[string]interface{}{
		"end_time": "2026-05-01T10:00:05Z",
		"outputs":  map[string]interface{}{"answer": "done"},
	}
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForRunStatus polls the store until the run exists and reaches the
// expected status. Returns the run's final state.
func (app *TestApp) WaitForRunStatus(t *testing.T, runID string, expected string) map[string]interface{} {
	t.Helper()
	id, err := uuid.Parse(runID)
	require.NoError(t, err)
	var actual string
	require.Eventually(t, func() bool {
		run, err := app.RunService.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		actual = string(run.Status)
		return actual == expected
	}, 30*time.Second, 100*time.Millisecond,
		"run %s did not reach status %s (last: %s)", runID, expected, actual)
	return app.GetRun(t, runID)
}

// ────────────────────────────────────────────────────────────
// Dashboard API Helpers
// ────────────────────────────────────────────────────────────

// GetRootRuns calls GET /api/v1/dashboard/runs/roots with optional query params.
func (app *TestApp) GetRootRuns(t *testing.T, queryParams string) map[string]interface{} {
	t.Helper()
	path := "/api/v1/dashboard/runs/roots"
	if queryParams != "" {
		path += "?" + queryParams
	}
	return app.getJSON(t, path, http.StatusOK)
}

// GetHierarchy calls GET /api/v1/dashboard/runs/:id/hierarchy.
func (app *TestApp) GetHierarchy(t *testing.T, runID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/v1/dashboard/runs/"+runID+"/hierarchy", http.StatusOK)
}

// GetStatsSummary calls GET /api/v1/dashboard/stats/summary.
func (app *TestApp) GetStatsSummary(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/v1/dashboard/stats/summary", http.StatusOK)
}

// GetProjects calls GET /api/v1/dashboard/projects.
func (app *TestApp) GetProjects(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/v1/dashboard/projects", http.StatusOK)
}

// ────────────────────────────────────────────────────────────
// Feedback API Helpers
// ────────────────────────────────────────────────────────────

// PostFeedback creates a feedback entry and returns the stored state.
func (app *TestApp) PostFeedback(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/v1/feedback", body, http.StatusCreated)
}

// GetRunFeedback lists a run's feedback entries.
func (app *TestApp) GetRunFeedback(t *testing.T, runID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/v1/runs/"+runID+"/feedback", http.StatusOK)
}

// ────────────────────────────────────────────────────────────
// Health API Helpers
// ────────────────────────────────────────────────────────────

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

// GetTraceHealth calls GET /health/traces with optional query params.
// Degraded reports still ride HTTP 200; only unhealthy flips to 503, so
// callers pass the status they expect.
func (app *TestApp) GetTraceHealth(t *testing.T, queryParams string, expectedStatus int) map[string]interface{} {
	t.Helper()
	path := "/health/traces"
	if queryParams != "" {
		path += "?" + queryParams
	}
	return app.getJSON(t, path, expectedStatus)
}

// ────────────────────────────────────────────────────────────
// WebSocket Helpers
// ────────────────────────────────────────────────────────────

// ConnectWS dials the event stream, carrying the app's API key as a query
// parameter when auth is on, and registers cleanup. The server's hello
// frame is consumed before returning so tests start from a quiet stream.
func (app *TestApp) ConnectWS(t *testing.T) *WSClient {
	t.Helper()
	wsURL := app.WSURL
	if app.apiKey != "" {
		wsURL += "?api_key=" + url.QueryEscape(app.apiKey)
	}
	ws, err := WSConnect(context.Background(), wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	_, err = ws.WaitForEventType("hello", 5*time.Second)
	require.NoError(t, err, "no hello frame after upgrade")
	return ws
}

// subscribeAndSettle subscribes and gives the control frame a beat to land
// in the server's reader loop before the test publishes anything.
func subscribeAndSettle(t *testing.T, ws *WSClient, types ...string) {
	t.Helper()
	require.NoError(t, ws.Subscribe(types...))
	time.Sleep(150 * time.Millisecond)
}

// ────────────────────────────────────────────────────────────
// OTLP Export Helpers
// ────────────────────────────────────────────────────────────

// ExportOTLPHTTP posts a protobuf-encoded export to the OTLP HTTP endpoint
// and returns the decoded response.
func (app *TestApp) ExportOTLPHTTP(t *testing.T, req *collectorpb.ExportTraceServiceRequest) *collectorpb.ExportTraceServiceResponse {
	t.Helper()
	body, err := proto.Marshal(req)
	require.NoError(t, err)

	headers := map[string]string{"Content-Type": "application/x-protobuf"}
	if app.apiKey != "" {
		headers["x-api-key"] = app.apiKey
	}
	resp := app.rawRequest(t, http.MethodPost, app.Config.OTLPHTTPPath, headers, body)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "OTLP HTTP export: unexpected status")

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out collectorpb.ExportTraceServiceResponse
	require.NoError(t, proto.Unmarshal(respBody, &out))
	return &out
}

// ExportOTLPGRPC sends an export through the gRPC receiver. Requires the
// app to be built WithOTLPGRPC.
func (app *TestApp) ExportOTLPGRPC(t *testing.T, req *collectorpb.ExportTraceServiceRequest) *collectorpb.ExportTraceServiceResponse {
	t.Helper()
	require.NotEmpty(t, app.GRPCAddr, "test app started without WithOTLPGRPC")

	conn, err := grpc.NewClient(app.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := collectorpb.NewTraceServiceClient(conn).Export(ctx, req)
	require.NoError(t, err)
	return resp
}

// ────────────────────────────────────────────────────────────
// OTLP Span Builders
// ────────────────────────────────────────────────────────────

// otlpTraceID builds a distinct non-zero 16-byte trace id from a seed.
func otlpTraceID(seed byte) []byte {
	id := make([]byte, 16)
	for i := range id {
		id[i] = seed + byte(i)
	}
	return id
}

// otlpSpanID builds a distinct non-zero 8-byte span id from a seed.
func otlpSpanID(seed byte) []byte {
	id := make([]byte, 8)
	for i := range id {
		id[i] = seed + byte(i)
	}
	return id
}

func otlpStrAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

// finishedSpan builds a span with an OK status and a 2s duration, which
// the converter lands on completed.
func finishedSpan(traceSeed, spanSeed byte, name string, kind tracepb.Span_SpanKind) *tracepb.Span {
	return &tracepb.Span{
		TraceId:           otlpTraceID(traceSeed),
		SpanId:            otlpSpanID(spanSeed),
		Name:              name,
		Kind:              kind,
		StartTimeUnixNano: uint64(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC).UnixNano()),
		EndTimeUnixNano:   uint64(time.Date(2026, 5, 1, 10, 0, 2, 0, time.UTC).UnixNano()),
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
	}
}

// exportOf wraps spans into a single-resource export tagged with a service
// name, which the converter maps to the project.
func exportOf(service string, spans ...*tracepb.Span) *collectorpb.ExportTraceServiceRequest {
	rs := &tracepb.ResourceSpans{
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: "agentspy-e2e"},
			Spans: spans,
		}},
	}
	if service != "" {
		rs.Resource = &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{otlpStrAttr("service.name", service)},
		}
	}
	return &collectorpb.ExportTraceServiceRequest{ResourceSpans: []*tracepb.ResourceSpans{rs}}
}

// widenedRunID computes the run id an exported span lands on.
func widenedRunID(t *testing.T, span *tracepb.Span) string {
	t.Helper()
	trace, err := uuid.FromBytes(span.TraceId)
	require.NoError(t, err)
	return otlp.WidenSpanID(trace, span.SpanId).String()
}

// ────────────────────────────────────────────────────────────
// Misc
// ────────────────────────────────────────────────────────────

// newRunID returns a fresh client-side run id the way SDK tracers mint them.
func newRunID() string {
	return uuid.NewString()
}

// jsonNumber asserts its way from interface{} to int for count fields.
func jsonNumber(t *testing.T, v interface{}) int {
	t.Helper()
	f, ok := v.(float64)
	require.True(t, ok, "expected JSON number, got %T (%v)", v, v)
	return int(f)
}

// fmtSpanName is a tiny convenience for generated span names.
func fmtSpanName(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}
