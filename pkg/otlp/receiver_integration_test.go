package otlp

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/agentspy-io/agentspy/pkg/cache"
	"github.com/agentspy-io/agentspy/pkg/config"
	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/models"
	"github.com/agentspy-io/agentspy/pkg/services"
	"github.com/agentspy-io/agentspy/pkg/storage"
	util "github.com/agentspy-io/agentspy/test/util"
)

// ────────────────────────────────────────────────────────────
// Test helpers
// ────────────────────────────────────────────────────────────

// newTestReceiver wires a Receiver against a fresh schema. The gRPC
// listener stays off: Export is exercised by direct calls.
func newTestReceiver(t *testing.T) (*Receiver, *services.RunService, *events.Hub) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)
	cfg := &config.Config{
		MaxTraceSizeMB: 10,
		StatsInterval:  time.Hour,
		StatsWindow:    24 * time.Hour,
	}
	svc := services.NewRunService(storage.NewRunStore(db), hub, cache.NewMemoryCache(), cfg)
	return NewReceiver(svc, cfg), svc, hub
}

// exportRequest wraps spans into a single-resource export tagged with a
// service name.
func exportRequest(service string, spans ...*tracepb.Span) *collectorpb.ExportTraceServiceRequest {
	rs := &tracepb.ResourceSpans{
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: "agentspy-test"},
			Spans: spans,
		}},
	}
	if service != "" {
		rs.Resource = &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{strAttr("service.name", service)},
		}
	}
	return &collectorpb.ExportTraceServiceRequest{ResourceSpans: []*tracepb.ResourceSpans{rs}}
}

// postExport runs one HTTP export through ServeHTTP.
func postExport(t *testing.T, r *Receiver, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// completedSpan is a span whose OK status and end time land it on completed.
func completedSpan(traceSeed, spanSeed byte, name string) *tracepb.Span {
	span := protoSpan(traceSeed, spanSeed, name)
	span.Kind = tracepb.Span_SPAN_KIND_PRODUCER
	span.StartTimeUnixNano = uint64(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixNano())
	span.EndTimeUnixNano = uint64(time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC).UnixNano())
	span.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	return span
}

// widenedID computes the run id an exported span lands on.
func widenedID(t *testing.T, span *tracepb.Span) uuid.UUID {
	t.Helper()
	trace, err := uuid.FromBytes(span.TraceId)
	require.NoError(t, err)
	return WidenSpanID(trace, span.SpanId)
}

// ────────────────────────────────────────────────────────────
// HTTP exports
// ────────────────────────────────────────────────────────────

func TestReceiver_HTTPProtoExport(t *testing.T) {
	r, svc, _ := newTestReceiver(t)

	span := completedSpan(1, 9, "llm.generate")
	span.Attributes = []*commonpb.KeyValue{strAttr("gen_ai.system", "openai")}
	body, err := proto.Marshal(exportRequest("checkout-agent", span))
	require.NoError(t, err)

	rec := postExport(t, r, body, map[string]string{"Content-Type": contentTypeProto})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, contentTypeProto, rec.Header().Get("Content-Type"))
	resp := &collectorpb.ExportTraceServiceResponse{}
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), resp))
	assert.Nil(t, resp.PartialSuccess)

	run, err := svc.GetRun(context.Background(), widenedID(t, span))
	require.NoError(t, err)
	assert.Equal(t, "llm.generate", run.Name)
	assert.Equal(t, models.RunTypeLLM, run.RunType)
	assert.Equal(t, models.StatusCompleted, run.Status)
	require.NotNil(t, run.TraceID)
	require.NotNil(t, run.ProjectName)
	assert.Equal(t, "checkout-agent", *run.ProjectName)
	assert.JSONEq(t, `{"status_code":"OK"}`, string(run.Outputs))

	var extra struct {
		Otlp struct {
			Attributes map[string]any `json:"attributes"`
		} `json:"otlp"`
	}
	require.NoError(t, json.Unmarshal(run.Extra, &extra))
	assert.Equal(t, "openai", extra.Otlp.Attributes["gen_ai.system"])
}

func TestReceiver_HTTPJSONExport(t *testing.T) {
	r, svc, _ := newTestReceiver(t)

	span := completedSpan(2, 9, "tool.search")
	body, err := protojson.Marshal(exportRequest("support-agent", span))
	require.NoError(t, err)

	rec := postExport(t, r, body, map[string]string{"Content-Type": contentTypeJSON})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{}`, rec.Body.String())

	_, err = svc.GetRun(context.Background(), widenedID(t, span))
	assert.NoError(t, err)
}

func TestReceiver_HTTPMissingContentType(t *testing.T) {
	r, svc, _ := newTestReceiver(t)

	span := completedSpan(3, 9, "untyped.export")
	body, err := protojson.Marshal(exportRequest("", span))
	require.NoError(t, err)

	rec := postExport(t, r, body, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run, err := svc.GetRun(context.Background(), widenedID(t, span))
	require.NoError(t, err)
	assert.Nil(t, run.ProjectName)
}

func TestReceiver_HTTPGzipExport(t *testing.T) {
	r, svc, _ := newTestReceiver(t)

	span := completedSpan(4, 9, "compressed.export")
	raw, err := proto.Marshal(exportRequest("checkout-agent", span))
	require.NoError(t, err)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	rec := postExport(t, r, buf.Bytes(), map[string]string{
		"Content-Type":     contentTypeProto,
		"Content-Encoding": "gzip",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err = svc.GetRun(context.Background(), widenedID(t, span))
	assert.NoError(t, err)
}

func TestReceiver_HTTPCorruptGzip(t *testing.T) {
	r, _, _ := newTestReceiver(t)

	rec := postExport(t, r, []byte("definitely not gzip"), map[string]string{
		"Content-Type":     contentTypeProto,
		"Content-Encoding": "gzip",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiver_HTTPMalformedBody(t *testing.T) {
	r, _, _ := newTestReceiver(t)

	t.Run("broken protobuf", func(t *testing.T) {
		rec := postExport(t, r, []byte{0xFF, 0xFF, 0xFF}, map[string]string{"Content-Type": contentTypeProto})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("broken json", func(t *testing.T) {
		rec := postExport(t, r, []byte(`{"resourceSpans": [`), map[string]string{"Content-Type": contentTypeJSON})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReceiver_HTTPOversizeExport(t *testing.T) {
	r, _, _ := newTestReceiver(t)

	rec := postExport(t, r, make([]byte, maxExportBytes+1), map[string]string{"Content-Type": contentTypeProto})

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReceiver_HTTPEmptyExport(t *testing.T) {
	r, _, _ := newTestReceiver(t)

	body, err := proto.Marshal(&collectorpb.ExportTraceServiceRequest{})
	require.NoError(t, err)

	rec := postExport(t, r, body, map[string]string{"Content-Type": contentTypeProto})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReceiver_HTTPPartialSuccess(t *testing.T) {
	r, svc, _ := newTestReceiver(t)

	good := completedSpan(5, 9, "kept.span")
	bad := protoSpan(5, 10, "dropped.span")
	bad.SpanId = []byte{1, 2, 3}
	body, err := proto.Marshal(exportRequest("checkout-agent", good, bad))
	require.NoError(t, err)

	rec := postExport(t, r, body, map[string]string{"Content-Type": contentTypeProto})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := &collectorpb.ExportTraceServiceResponse{}
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), resp))
	require.NotNil(t, resp.PartialSuccess)
	assert.Equal(t, int64(1), resp.PartialSuccess.RejectedSpans)
	assert.NotEmpty(t, resp.PartialSuccess.ErrorMessage)

	_, err = svc.GetRun(context.Background(), widenedID(t, good))
	assert.NoError(t, err, "the well-formed span must still be ingested")
}

// ────────────────────────────────────────────────────────────
// gRPC exports
// ────────────────────────────────────────────────────────────

// Agent SDKs export a span once when it opens and again when it ends. Both
// sends widen to the same run id, so the second converges onto the first
// row instead of duplicating it.
func TestReceiver_ExportConvergesIncrementalSends(t *testing.T) {
	r, svc, _ := newTestReceiver(t)
	ctx := context.Background()

	open := protoSpan(6, 9, "agent.turn")
	open.Kind = tracepb.Span_SPAN_KIND_SERVER
	open.StartTimeUnixNano = uint64(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixNano())

	resp, err := r.Export(ctx, exportRequest("checkout-agent", open))
	require.NoError(t, err)
	assert.Nil(t, resp.PartialSuccess)

	run, err := svc.GetRun(ctx, widenedID(t, open))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, run.Status)
	assert.Nil(t, run.EndTime)

	closed := proto.Clone(open).(*tracepb.Span)
	closed.EndTimeUnixNano = uint64(time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC).UnixNano())
	closed.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}

	_, err = r.Export(ctx, exportRequest("checkout-agent", closed))
	require.NoError(t, err)

	run, err = svc.GetRun(ctx, widenedID(t, open))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status)
	require.NotNil(t, run.EndTime)
	d := run.DurationMS()
	require.NotNil(t, d)
	assert.Equal(t, int64(5000), *d)
}

// A child span can reach the collector before its parent. The child row
// persists with its parent pointer immediately; once the parent arrives
// the hierarchy assembles normally.
func TestReceiver_OutOfOrderParent(t *testing.T) {
	r, svc, _ := newTestReceiver(t)
	ctx := context.Background()

	parent := completedSpan(7, 1, "agent.root")
	parent.Kind = tracepb.Span_SPAN_KIND_SERVER
	child := completedSpan(7, 2, "llm.call")
	child.ParentSpanId = parent.SpanId

	_, err := r.Export(ctx, exportRequest("checkout-agent", child))
	require.NoError(t, err)
	_, err = r.Export(ctx, exportRequest("checkout-agent", parent))
	require.NoError(t, err)

	tree, err := svc.GetHierarchy(ctx, widenedID(t, parent))
	require.NoError(t, err)
	assert.Equal(t, 2, tree.TotalRuns)
	assert.Equal(t, 2, tree.MaxDepth)
	assert.Equal(t, 0, tree.OmittedRuns)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "llm.call", tree.Children[0].Name)
	assert.Equal(t, models.RunTypeChain, tree.RunType)
}

func TestReceiver_ExportPublishesSourceTaggedEvents(t *testing.T) {
	r, _, hub := newTestReceiver(t)
	sub := hub.Subscribe(events.EventTypeTraceCreated)

	span := completedSpan(8, 9, "llm.tagged")
	_, err := r.Export(context.Background(), exportRequest("checkout-agent", span))
	require.NoError(t, err)

	// Publication happens before Export returns.
	var frame struct {
		Type string `json:"type"`
		Data struct {
			Source string `json:"source"`
			Name   string `json:"name"`
		} `json:"data"`
	}
	select {
	case data := <-sub.Events():
		require.NoError(t, json.Unmarshal(data, &frame))
	default:
		t.Fatal("no trace.created frame published")
	}
	assert.Equal(t, events.EventTypeTraceCreated, frame.Type)
	assert.Equal(t, string(models.SourceOTLPGRPC), frame.Data.Source)
	assert.Equal(t, "llm.tagged", frame.Data.Name)
}

func TestReceiver_StartGRPCDisabled(t *testing.T) {
	r, _, _ := newTestReceiver(t)

	require.NoError(t, r.StartGRPC())
	r.Stop() // must be safe without a started server
}
