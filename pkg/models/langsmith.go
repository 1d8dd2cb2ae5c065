package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RunPayload is the LangSmith-compatible wire shape shared by single
// creates, single patches, and both halves of the batch body. Every field
// except id is optional; pointer/raw fields distinguish "absent" from a
// real value so patches stay partial.
type RunPayload struct {
	ID                 string           `json:"id"`
	TraceID            *string          `json:"trace_id,omitempty"`
	ParentRunID        *string          `json:"parent_run_id,omitempty"`
	Name               *string          `json:"name,omitempty"`
	RunType            *string          `json:"run_type,omitempty"`
	StartTime          *FlexTime        `json:"start_time,omitempty"`
	EndTime            *FlexTime        `json:"end_time,omitempty"`
	Inputs             json.RawMessage  `json:"inputs,omitempty"`
	Outputs            json.RawMessage  `json:"outputs,omitempty"`
	Extra              json.RawMessage  `json:"extra,omitempty"`
	Serialized         json.RawMessage  `json:"serialized,omitempty"`
	Events             []map[string]any `json:"events,omitempty"`
	Error              *string          `json:"error,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
	ReferenceExampleID *string          `json:"reference_example_id,omitempty"`
	ProjectName        *string          `json:"project_name,omitempty"`
	// SessionName is LangSmith's historical name for the project; accepted
	// as a fallback when project_name is absent.
	SessionName *string `json:"session_name,omitempty"`
	// Status is advisory only. The stored status is always derived from
	// end_time/outputs/error; an inconsistent client value is ignored.
	Status *string `json:"status,omitempty"`
}

// BatchIngestRequest is the body of POST /api/v1/runs/batch. Rows stay raw
// until per-row validation so a malformed row fails alone, not the batch.
type BatchIngestRequest struct {
	Post  []json.RawMessage `json:"post"`
	Patch []json.RawMessage `json:"patch"`
}

// BatchResult reports per-batch ingest arithmetic. For every request,
// CreatedCount + UpdatedCount + len(Errors) equals len(post) + len(patch)
// before same-id merging collapses rows.
type BatchResult struct {
	Success      bool         `json:"success"`
	CreatedCount int          `json:"created_count"`
	UpdatedCount int          `json:"updated_count"`
	Errors       []BatchError `json:"errors"`
}

// BatchError identifies one rejected row. ID carries whatever id string the
// row had, including invalid ones.
type BatchError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// effectiveProject resolves project_name with session_name fallback.
func (p *RunPayload) effectiveProject() *string {
	if p.ProjectName != nil && *p.ProjectName != "" {
		return p.ProjectName
	}
	if p.SessionName != nil && *p.SessionName != "" {
		return p.SessionName
	}
	return nil
}

// ToUpsert validates the payload and converts it to a canonical upsert.
// Rules: id (and any other id-valued field) must parse as a UUID; when both
// ends of the interval are present end_time must not precede start_time;
// unknown run_type strings degrade to custom rather than failing the row.
func (p *RunPayload) ToUpsert() (RunUpsert, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return RunUpsert{}, fmt.Errorf("invalid run id %q", p.ID)
	}
	u := RunUpsert{
		ID:          id,
		Name:        p.Name,
		Inputs:      p.Inputs,
		Outputs:     p.Outputs,
		Extra:       p.Extra,
		Serialized:  p.Serialized,
		Events:      p.Events,
		Error:       p.Error,
		Tags:        p.Tags,
		ProjectName: p.effectiveProject(),
	}
	if u.TraceID, err = parseOptionalUUID("trace_id", p.TraceID); err != nil {
		return RunUpsert{}, err
	}
	if u.ParentRunID, err = parseOptionalUUID("parent_run_id", p.ParentRunID); err != nil {
		return RunUpsert{}, err
	}
	if u.ReferenceExampleID, err = parseOptionalUUID("reference_example_id", p.ReferenceExampleID); err != nil {
		return RunUpsert{}, err
	}
	if p.RunType != nil {
		rt := RunType(*p.RunType)
		if !rt.IsValid() {
			rt = RunTypeCustom
		}
		u.RunType = &rt
	}
	if p.StartTime != nil {
		st := p.StartTime.UTC()
		u.StartTime = &st
	}
	if p.EndTime != nil {
		et := p.EndTime.UTC()
		u.EndTime = &et
	}
	if u.StartTime != nil && u.EndTime != nil && u.EndTime.Before(*u.StartTime) {
		return RunUpsert{}, fmt.Errorf("end_time %s precedes start_time %s",
			u.EndTime.Format("2006-01-02T15:04:05Z07:00"), u.StartTime.Format("2006-01-02T15:04:05Z07:00"))
	}
	return u, nil
}

func parseOptionalUUID(field string, v *string) (*uuid.UUID, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", field, *v)
	}
	return &id, nil
}

// ProbeID extracts the id string from a raw row without full decoding, for
// error reporting on rows that fail validation or size limits.
func ProbeID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}
