package events

import (
	"time"

	"github.com/agentspy-io/agentspy/pkg/models"
)

// Event is the envelope every server → client frame shares.
// Control frames (hello, ping) reuse it with a nil Data.
type Event struct {
	Type      string `json:"type"`      // event or control frame type
	Timestamp string `json:"timestamp"` // RFC3339Nano, UTC
	Data      any    `json:"data,omitempty"`
}

// RunEventData is the data payload for all trace.* events.
// Published after the storage transaction commits, reflecting the
// run's post-merge state.
type RunEventData struct {
	TraceID     string           `json:"trace_id"`                // run UUID (the dashboard's trace identifier)
	ParentRunID string           `json:"parent_run_id,omitempty"` // empty for root runs
	Name        string           `json:"name"`
	RunType     models.RunType   `json:"run_type"`
	Status      models.RunStatus `json:"status"` // status after this ingest call
	ProjectName string           `json:"project_name,omitempty"`
	Source      models.Source    `json:"source"`                // receiver that carried this write
	DurationMS  *int64           `json:"duration_ms,omitempty"` // nil until end_time is known
	Error       string           `json:"error,omitempty"`
}

// HelloData is the data payload for the one-shot hello frame sent
// after a successful WebSocket upgrade.
type HelloData struct {
	ServerVersion string `json:"server_version"`
}

// NewRunEvent builds a trace.* event from a run's post-merge state.
func NewRunEvent(eventType string, run *models.Run, source models.Source) Event {
	data := RunEventData{
		TraceID: run.ID.String(),
		Name:    run.Name,
		RunType: run.RunType,
		Status:  run.Status,
		Source:  source,
	}
	if run.ParentRunID != nil {
		data.ParentRunID = run.ParentRunID.String()
	}
	if run.ProjectName != nil {
		data.ProjectName = *run.ProjectName
	}
	data.DurationMS = run.DurationMS()
	if run.Error != nil {
		data.Error = *run.Error
	}
	return NewEvent(eventType, data)
}

// NewStatsEvent builds a stats.updated event carrying the dashboard
// aggregates snapshot.
func NewStatsEvent(stats *models.DashboardStats) Event {
	return NewEvent(EventTypeStatsUpdated, stats)
}

// NewEvent stamps an envelope with the current UTC time.
func NewEvent(eventType string, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}
