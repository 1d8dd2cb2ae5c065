package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunType classifies the kind of work a run represents
type RunType string

const (
	// RunTypeChain is an orchestration step grouping child runs
	RunTypeChain RunType = "chain"
	// RunTypeLLM is a model invocation
	RunTypeLLM RunType = "llm"
	// RunTypeTool is a tool or function call
	RunTypeTool RunType = "tool"
	// RunTypeRetrieval is a retrieval/search step
	RunTypeRetrieval RunType = "retrieval"
	// RunTypePrompt is a prompt-rendering step
	RunTypePrompt RunType = "prompt"
	// RunTypeParser is an output-parsing step
	RunTypeParser RunType = "parser"
	// RunTypeEmbedding is an embedding computation
	RunTypeEmbedding RunType = "embedding"
	// RunTypeInternal is instrumentation-internal work
	RunTypeInternal RunType = "internal"
	// RunTypeCustom is the catch-all for unclassified work
	RunTypeCustom RunType = "custom"
)

// IsValid checks if the run type is one of the supported values
func (t RunType) IsValid() bool {
	switch t {
	case RunTypeChain, RunTypeLLM, RunTypeTool, RunTypeRetrieval,
		RunTypePrompt, RunTypeParser, RunTypeEmbedding, RunTypeInternal,
		RunTypeCustom:
		return true
	default:
		return false
	}
}

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	// StatusRunning means the run has started and no terminal data arrived yet
	StatusRunning RunStatus = "running"
	// StatusCompleted means the run ended with outputs
	StatusCompleted RunStatus = "completed"
	// StatusFailed means the run ended with an error
	StatusFailed RunStatus = "failed"
)

// IsValid checks if the status is one of the supported values
func (s RunStatus) IsValid() bool {
	return s == StatusRunning || s == StatusCompleted || s == StatusFailed
}

// IsTerminal reports whether the status is completed or failed.
// Terminal statuses never regress to running on later upserts.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Source identifies which receiver produced an upsert
type Source string

const (
	// SourceLangSmith is the LangSmith-compatible batch REST receiver
	SourceLangSmith Source = "langsmith"
	// SourceOTLPHTTP is the OTLP/HTTP receiver
	SourceOTLPHTTP Source = "otlp_http"
	// SourceOTLPGRPC is the OTLP/gRPC receiver
	SourceOTLPGRPC Source = "otlp_grpc"
)

// Run is the canonical trace record every receiver converges on.
// JSON payload columns stay opaque: the backend never interprets inputs,
// outputs, serialized, or extra beyond null checks.
type Run struct {
	ID                 uuid.UUID        `json:"id"`
	TraceID            *uuid.UUID       `json:"trace_id,omitempty"`
	ParentRunID        *uuid.UUID       `json:"parent_run_id,omitempty"`
	Name               string           `json:"name"`
	RunType            RunType          `json:"run_type"`
	Status             RunStatus        `json:"status"`
	StartTime          time.Time        `json:"start_time"`
	EndTime            *time.Time       `json:"end_time,omitempty"`
	Inputs             json.RawMessage  `json:"inputs,omitempty"`
	Outputs            json.RawMessage  `json:"outputs,omitempty"`
	Extra              json.RawMessage  `json:"extra,omitempty"`
	Serialized         json.RawMessage  `json:"serialized,omitempty"`
	Events             []map[string]any `json:"events"`
	Error              *string          `json:"error,omitempty"`
	Tags               []string         `json:"tags"`
	ReferenceExampleID *uuid.UUID       `json:"reference_example_id,omitempty"`
	ProjectName        *string          `json:"project_name,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// IsRoot reports whether the run has no parent.
func (r *Run) IsRoot() bool {
	return r.ParentRunID == nil
}

// DurationMS returns end−start in milliseconds, or nil while running.
func (r *Run) DurationMS() *int64 {
	if r.EndTime == nil {
		return nil
	}
	ms := r.EndTime.Sub(r.StartTime).Milliseconds()
	return &ms
}

// RunUpsert is a partial write against a run id. Nil pointer fields and
// unset JSON fields mean "leave the stored value alone"; they never clear.
// Events append, tags union. Status is always derived, never written
// directly.
type RunUpsert struct {
	ID                 uuid.UUID
	TraceID            *uuid.UUID
	ParentRunID        *uuid.UUID
	Name               *string
	RunType            *RunType
	StartTime          *time.Time
	EndTime            *time.Time
	Inputs             json.RawMessage
	Outputs            json.RawMessage
	Extra              json.RawMessage
	Serialized         json.RawMessage
	Events             []map[string]any
	Error              *string
	Tags               []string
	ReferenceExampleID *uuid.UUID
	ProjectName        *string
}

var jsonNull = []byte("null")

// JSONSet reports whether a raw JSON field carries a value. Absent keys
// (empty) and explicit null are both "not set": neither overwrites a
// stored column and neither counts as presence for status derivation.
func JSONSet(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, jsonNull)
}

// DeriveStatus computes the status implied by the terminal fields:
//
//	end_time set and error set   -> failed
//	end_time set and outputs set -> completed
//	otherwise                    -> running
//
// Apply re-runs this over every merged row, so stored status always agrees
// with the stored fields; the OTLP receiver also uses it to seed new spans.
func DeriveStatus(endTime *time.Time, outputs json.RawMessage, errMsg *string) RunStatus {
	if endTime == nil {
		return StatusRunning
	}
	if errMsg != nil && *errMsg != "" {
		return StatusFailed
	}
	if JSONSet(outputs) {
		return StatusCompleted
	}
	return StatusRunning
}

// Apply folds a later upsert into the run in place: set non-null fields
// overwrite, events append, tags union preserving first-seen order, and
// the status is re-derived afterwards. A terminal status never regresses
// to running, matching the persisted merge.
func (r *Run) Apply(u RunUpsert, now time.Time) {
	if u.TraceID != nil {
		r.TraceID = u.TraceID
	}
	if u.ParentRunID != nil {
		r.ParentRunID = u.ParentRunID
	}
	if u.Name != nil && *u.Name != "" {
		r.Name = *u.Name
	}
	if u.RunType != nil {
		r.RunType = *u.RunType
	}
	if u.StartTime != nil {
		r.StartTime = *u.StartTime
	}
	if u.EndTime != nil {
		r.EndTime = u.EndTime
	}
	if JSONSet(u.Inputs) {
		r.Inputs = u.Inputs
	}
	if JSONSet(u.Outputs) {
		r.Outputs = u.Outputs
	}
	if JSONSet(u.Extra) {
		r.Extra = u.Extra
	}
	if JSONSet(u.Serialized) {
		r.Serialized = u.Serialized
	}
	if len(u.Events) > 0 {
		r.Events = append(r.Events, u.Events...)
	}
	if len(u.Tags) > 0 {
		r.Tags = UnionTags(r.Tags, u.Tags)
	}
	if u.Error != nil && *u.Error != "" {
		r.Error = u.Error
	}
	if u.ReferenceExampleID != nil {
		r.ReferenceExampleID = u.ReferenceExampleID
	}
	if u.ProjectName != nil && *u.ProjectName != "" {
		r.ProjectName = u.ProjectName
	}

	next := DeriveStatus(r.EndTime, r.Outputs, r.Error)
	if !(next == StatusRunning && r.Status.IsTerminal()) {
		r.Status = next
	}
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
}

// NewRunFromUpsert materializes a fresh row from a first-seen upsert.
// Missing create fields get the same defaults the SQL insert path applies:
// empty name, chain type, receipt-time start.
func NewRunFromUpsert(u RunUpsert, now time.Time) *Run {
	r := &Run{
		ID:        u.ID,
		RunType:   RunTypeChain,
		Status:    StatusRunning,
		StartTime: now,
		Events:    []map[string]any{},
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.Apply(u, now)
	return r
}

// UnionTags merges two tag sets preserving first-occurrence order.
func UnionTags(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range incoming {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
