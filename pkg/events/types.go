// Package events provides the in-process typed event hub that fans
// trace lifecycle notifications out to WebSocket subscribers.
//
// ════════════════════════════════════════════════════════════════
// Trace Event Lifecycle Patterns
// ════════════════════════════════════════════════════════════════
//
// Every ingested run emits one primary event, plus a terminal event
// when that ingest call moved the run into a terminal status.
//
// Pattern 1 — CREATE THEN PATCH (LangSmith SDK, long-running agents):
//
//	trace.created    {status: "running"}
//	trace.updated    {status: "completed"}  (terminal patch merged)
//	trace.completed  {status: "completed"}
//
//	The create carries no end_time, so the run starts out running.
//	When a later patch lands end_time + outputs, the run transitions
//	to completed and BOTH trace.updated and trace.completed fire, in
//	that order. A failing patch fires trace.updated + trace.failed.
//
// Pattern 2 — SINGLE-CALL COMPLETION (OTLP exporters, short spans):
//
//	trace.created    {status: "completed"}
//	trace.completed  {status: "completed"}
//
//	OTLP spans usually arrive already finished. The first write both
//	creates the row and lands it terminal, so the created event and
//	the terminal event fire back to back.
//
// stats.updated is outside both patterns: the stats broadcaster
// publishes it on its own interval, and only when ingest activity
// occurred since the previous tick.
//
// Delivery is best-effort and at-most-once per subscriber. Each
// subscriber owns a bounded mailbox; on overflow the hub drops that
// subscriber's oldest queued event and counts it. Events for a single
// run id are enqueued in emission order, so a subscriber that keeps
// up sees every run's lifecycle in order.
//
// ════════════════════════════════════════════════════════════════
package events

// Trace lifecycle event types — see package doc for the emission patterns.
const (
	EventTypeTraceCreated   = "trace.created"
	EventTypeTraceUpdated   = "trace.updated"
	EventTypeTraceCompleted = "trace.completed"
	EventTypeTraceFailed    = "trace.failed"
)

// Dashboard aggregate refresh, published by the stats broadcaster.
const EventTypeStatsUpdated = "stats.updated"

// Client → server subscription operations (ClientMessage.Op).
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Server → client control frame types. These sit outside the event
// vocabulary: hello is sent once after upgrade, ping on an interval.
const (
	FrameTypeHello = "hello"
	FrameTypePing  = "ping"
)

// AllEventTypes returns the closed set of publishable event types.
// Returns a fresh slice each call so callers may mutate it.
func AllEventTypes() []string {
	return []string{
		EventTypeTraceCreated,
		EventTypeTraceUpdated,
		EventTypeTraceCompleted,
		EventTypeTraceFailed,
		EventTypeStatsUpdated,
	}
}

// IsValidEventType reports whether s is one of the publishable event types.
func IsValidEventType(s string) bool {
	switch s {
	case EventTypeTraceCreated, EventTypeTraceUpdated,
		EventTypeTraceCompleted, EventTypeTraceFailed,
		EventTypeStatsUpdated:
		return true
	default:
		return false
	}
}

// ClientMessage is the JSON structure for client → server WebSocket frames.
type ClientMessage struct {
	Op     string   `json:"op"`               // "subscribe" or "unsubscribe"
	Events []string `json:"events,omitempty"` // event types to add/remove; empty means all
}
