package otlp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/agentspy-io/agentspy/pkg/models"
)

const spanIDLen = 8

// kindRunTypes maps span kinds onto the trace model's vocabulary. The
// mapping reflects how agent frameworks actually use the kinds: producers
// emit model calls, clients call tools, servers anchor chains.
var kindRunTypes = map[tracepb.Span_SpanKind]models.RunType{
	tracepb.Span_SPAN_KIND_INTERNAL: models.RunTypeInternal,
	tracepb.Span_SPAN_KIND_CLIENT:   models.RunTypeTool,
	tracepb.Span_SPAN_KIND_SERVER:   models.RunTypeChain,
	tracepb.Span_SPAN_KIND_PRODUCER: models.RunTypeLLM,
	tracepb.Span_SPAN_KIND_CONSUMER: models.RunTypeRetrieval,
}

func kindRunType(k tracepb.Span_SpanKind) models.RunType {
	if rt, ok := kindRunTypes[k]; ok {
		return rt
	}
	return models.RunTypeCustom
}

// WidenSpanID maps an 8-byte span id into UUID space. The v5 hash is
// namespaced by the 16-byte trace id, so equal span ids in different traces
// cannot collide, and repeated exports of one span always land on the same
// run.
func WidenSpanID(traceID uuid.UUID, spanID []byte) uuid.UUID {
	return uuid.NewSHA1(traceID, spanID)
}

// SpansToUpserts canonicalizes one export. Spans with malformed ids are
// dropped and counted; every other span converts independently, in export
// order.
func SpansToUpserts(resourceSpans []*tracepb.ResourceSpans) ([]models.RunUpsert, int) {
	var upserts []models.RunUpsert
	rejected := 0
	for _, rs := range resourceSpans {
		resource := attributesToMap(rs.GetResource().GetAttributes())
		project, _ := resource["service.name"].(string)
		for _, ss := range rs.GetScopeSpans() {
			scope := ss.GetScope()
			for _, span := range ss.GetSpans() {
				u, err := SpanToUpsert(span, resource, scope, project)
				if err != nil {
					rejected++
					continue
				}
				upserts = append(upserts, u)
			}
		}
	}
	return upserts, rejected
}

// SpanToUpsert converts one span into a canonical run upsert.
//
// Status codes only seed the fields the merge derives status from: ERROR
// carries status.message into error, OK synthesizes a minimal outputs
// object so derivation lands on completed, UNSET sets neither and the run
// stays running until real data arrives. A zero end_time stays null, so a
// span exported while still open creates a running run that the terminal
// re-export later completes.
func SpanToUpsert(span *tracepb.Span, resource map[string]any, scope *commonpb.InstrumentationScope, project string) (models.RunUpsert, error) {
	traceUUID, err := uuid.FromBytes(span.GetTraceId())
	if err != nil || traceUUID == uuid.Nil {
		return models.RunUpsert{}, fmt.Errorf("invalid trace id (%d bytes)", len(span.GetTraceId()))
	}
	spanID := span.GetSpanId()
	if len(spanID) != spanIDLen || allZero(spanID) {
		return models.RunUpsert{}, fmt.Errorf("invalid span id (%d bytes)", len(spanID))
	}

	id := WidenSpanID(traceUUID, spanID)
	name := span.GetName()
	runType := kindRunType(span.GetKind())

	u := models.RunUpsert{
		ID:      id,
		TraceID: &traceUUID,
		Name:    &name,
		RunType: &runType,
		Extra:   spanExtra(span, resource, scope),
	}
	if pid := span.GetParentSpanId(); len(pid) == spanIDLen && !allZero(pid) {
		parent := WidenSpanID(traceUUID, pid)
		u.ParentRunID = &parent
	}
	if ns := span.GetStartTimeUnixNano(); ns != 0 {
		start := time.Unix(0, int64(ns)).UTC()
		u.StartTime = &start
	}
	if ns := span.GetEndTimeUnixNano(); ns != 0 {
		end := time.Unix(0, int64(ns)).UTC()
		u.EndTime = &end
	}
	if project != "" {
		p := project
		u.ProjectName = &p
	}

	switch span.GetStatus().GetCode() {
	case tracepb.Status_STATUS_CODE_ERROR:
		msg := span.GetStatus().GetMessage()
		if msg == "" {
			msg = "span ended in error"
		}
		u.Error = &msg
	case tracepb.Status_STATUS_CODE_OK:
		u.Outputs = json.RawMessage(`{"status_code":"OK"}`)
	}

	if evs := span.GetEvents(); len(evs) > 0 {
		u.Events = make([]map[string]any, 0, len(evs))
		for _, ev := range evs {
			u.Events = append(u.Events, spanEvent(ev))
		}
	}
	return u, nil
}

// spanExtra preserves the span's observability context under extra.otlp:
// attributes verbatim, plus the resource and instrumentation scope.
func spanExtra(span *tracepb.Span, resource map[string]any, scope *commonpb.InstrumentationScope) json.RawMessage {
	otlp := map[string]any{
		"attributes": attributesToMap(span.GetAttributes()),
	}
	if len(resource) > 0 {
		otlp["resource"] = resource
	}
	if scope.GetName() != "" || scope.GetVersion() != "" {
		sc := map[string]any{}
		if scope.GetName() != "" {
			sc["name"] = scope.GetName()
		}
		if scope.GetVersion() != "" {
			sc["version"] = scope.GetVersion()
		}
		otlp["scope"] = sc
	}
	if span.GetTraceState() != "" {
		otlp["trace_state"] = span.GetTraceState()
	}
	raw, err := json.Marshal(map[string]any{"otlp": otlp})
	if err != nil {
		return nil
	}
	return raw
}

func spanEvent(ev *tracepb.Span_Event) map[string]any {
	m := map[string]any{"name": ev.GetName()}
	if ns := ev.GetTimeUnixNano(); ns != 0 {
		m["time"] = time.Unix(0, int64(ns)).UTC().Format(time.RFC3339Nano)
	}
	if attrs := ev.GetAttributes(); len(attrs) > 0 {
		m["attributes"] = attributesToMap(attrs)
	}
	return m
}

func attributesToMap(attrs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[kv.GetKey()] = anyValueJSON(kv.GetValue())
	}
	return out
}

// anyValueJSON converts an AnyValue into its natural JSON shape, keeping
// numbers numeric instead of flattening everything to strings.
func anyValueJSON(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			out = append(out, anyValueJSON(item))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		return attributesToMap(val.KvlistValue.GetValues())
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(val.BytesValue)
	default:
		return nil
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
