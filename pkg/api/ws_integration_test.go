package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/models"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsTestFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var frame wsTestFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// expectWSSilence asserts no frame arrives within the window. The
// expired read context tears the connection down, so this must be the
// last thing a test does with conn.
func expectWSSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.Error(t, err, "unexpected frame: %s", data)
}

func sendWS(t *testing.T, conn *websocket.Conn, msg events.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	// Subscription changes apply asynchronously in the reader loop;
	// give the control frame a beat to land before publishing.
	time.Sleep(150 * time.Millisecond)
}

func ingestRun(t *testing.T, s *Server, name string) string {
	t.Helper()
	id := uuid.New().String()
	rec := doRequest(s, http.MethodPost, "/api/v1/runs", createRow(id, "", name))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return id
}

func TestWebSocketEventStream(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws")

	// The hello frame arrives before anything else.
	hello := readWSFrame(t, conn, 5*time.Second)
	assert.Equal(t, events.FrameTypeHello, hello.Type)
	assert.NotEmpty(t, hello.Timestamp)

	var helloData events.HelloData
	require.NoError(t, json.Unmarshal(hello.Data, &helloData))
	assert.True(t, strings.HasPrefix(helloData.ServerVersion, "agentspy/"),
		"server_version was %q", helloData.ServerVersion)

	// Subscribe to creations only, then ingest.
	sendWS(t, conn, events.ClientMessage{Op: events.OpSubscribe, Events: []string{events.EventTypeTraceCreated}})
	id := ingestRun(t, s, "agent.watched")

	frame := readWSFrame(t, conn, 5*time.Second)
	assert.Equal(t, events.EventTypeTraceCreated, frame.Type)

	var data events.RunEventData
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, id, data.TraceID)
	assert.Equal(t, "agent.watched", data.Name)
	assert.Equal(t, models.StatusRunning, data.Status)
	assert.Equal(t, models.SourceLangSmith, data.Source)

	// Unsubscribing everything silences the stream again.
	sendWS(t, conn, events.ClientMessage{Op: events.OpUnsubscribe})
	ingestRun(t, s, "agent.after-unsubscribe")
	expectWSSilence(t, conn, 300*time.Millisecond)
}

func TestWebSocketStartsSilent(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws")
	readWSFrame(t, conn, 5*time.Second) // hello

	// No subscribe frame yet, so ingest activity stays invisible.
	ingestRun(t, s, "agent.unseen")
	expectWSSilence(t, conn, 300*time.Millisecond)
}

func TestWebSocketSubscribeAllByDefault(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws")
	readWSFrame(t, conn, 5*time.Second) // hello

	// A subscribe frame with no events list means every type.
	sendWS(t, conn, events.ClientMessage{Op: events.OpSubscribe})

	// A run created already terminal emits created + completed back to
	// back; an all-types subscriber sees both.
	id := uuid.New().String()
	body := fmt.Sprintf(`{"id": %q, "name": "oneshot", "run_type": "chain", "start_time": "2026-03-01T10:00:00Z", "end_time": "2026-03-01T10:00:01Z", "inputs": {"q": 1}, "outputs": {"a": 2}}`, id)
	rec := doRequest(s, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusOK, rec.Code)

	first := readWSFrame(t, conn, 5*time.Second)
	assert.Equal(t, events.EventTypeTraceCreated, first.Type)

	second := readWSFrame(t, conn, 5*time.Second)
	assert.Equal(t, events.EventTypeTraceCompleted, second.Type)

	var data events.RunEventData
	require.NoError(t, json.Unmarshal(second.Data, &data))
	assert.Equal(t, models.StatusCompleted, data.Status)
}

func TestWebSocketHeartbeat(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.WSPingInterval = 50 * time.Millisecond
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws")
	readWSFrame(t, conn, 5*time.Second) // hello

	ping := readWSFrame(t, conn, 2*time.Second)
	assert.Equal(t, events.FrameTypePing, ping.Type)
	assert.NotEmpty(t, ping.Timestamp)
}

func TestWebSocketAPIAlias(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/api/v1/ws")

	hello := readWSFrame(t, conn, 5*time.Second)
	assert.Equal(t, events.FrameTypeHello, hello.Type)
}

func TestWebSocketIgnoresMalformedFrames(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws")
	readWSFrame(t, conn, 5*time.Second) // hello

	// Garbage input must not kill the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	time.Sleep(150 * time.Millisecond)

	sendWS(t, conn, events.ClientMessage{Op: events.OpSubscribe, Events: []string{events.EventTypeTraceCreated}})
	ingestRun(t, s, "agent.survives")

	frame := readWSFrame(t, conn, 5*time.Second)
	assert.Equal(t, events.EventTypeTraceCreated, frame.Type)
}
