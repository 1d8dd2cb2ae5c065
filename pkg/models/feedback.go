package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Feedback is a score or annotation attached to a run. Write-only from the
// core's perspective: it never affects run status or events.
type Feedback struct {
	ID         uuid.UUID       `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	Key        string          `json:"key"`
	Score      *float64        `json:"score,omitempty"`
	Comment    *string         `json:"comment,omitempty"`
	Correction json.RawMessage `json:"correction,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CreateFeedbackRequest contains fields for attaching feedback to a run
type CreateFeedbackRequest struct {
	ID         *string         `json:"id,omitempty"`
	RunID      string          `json:"run_id"`
	Key        string          `json:"key"`
	Score      *float64        `json:"score,omitempty"`
	Comment    *string         `json:"comment,omitempty"`
	Correction json.RawMessage `json:"correction,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ToFeedback validates the request and materializes the entity. A missing
// id is generated server-side; run existence is not checked here.
func (r *CreateFeedbackRequest) ToFeedback(now time.Time) (*Feedback, error) {
	runID, err := uuid.Parse(r.RunID)
	if err != nil {
		return nil, fmt.Errorf("invalid run_id %q", r.RunID)
	}
	if r.Key == "" {
		return nil, fmt.Errorf("key is required")
	}
	fb := &Feedback{
		ID:         uuid.New(),
		RunID:      runID,
		Key:        r.Key,
		Score:      r.Score,
		Comment:    r.Comment,
		Correction: r.Correction,
		Metadata:   r.Metadata,
		CreatedAt:  now,
	}
	if r.ID != nil && *r.ID != "" {
		id, err := uuid.Parse(*r.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid feedback id %q", *r.ID)
		}
		fb.ID = id
	}
	return fb, nil
}
