package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentspy-io/agentspy/pkg/models"
	"github.com/agentspy-io/agentspy/pkg/storage"
)

// FeedbackService manages feedback attached to runs. Feedback is advisory:
// it never touches run state or emits events, and the target run does not
// have to exist yet — SDKs post feedback concurrently with the trace, and
// rejecting the early arrival would lose it.
type FeedbackService struct {
	store *storage.FeedbackStore
}

// NewFeedbackService creates a new FeedbackService.
func NewFeedbackService(store *storage.FeedbackStore) *FeedbackService {
	return &FeedbackService{store: store}
}

// CreateFeedback validates and stores one feedback record. A client-supplied
// id that already exists is rejected with ErrAlreadyExists.
func (s *FeedbackService) CreateFeedback(ctx context.Context, req models.CreateFeedbackRequest) (*models.Feedback, error) {
	fb, err := req.ToFeedback(time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.store.Insert(ctx, fb); err != nil {
		if errors.Is(err, storage.ErrConstraintViolation) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create feedback: %w", err)
	}
	return fb, nil
}

// GetFeedback returns one feedback record by id.
func (s *FeedbackService) GetFeedback(ctx context.Context, id uuid.UUID) (*models.Feedback, error) {
	fb, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	if fb == nil {
		return nil, ErrNotFound
	}
	return fb, nil
}

// ListRunFeedback returns all feedback for a run, oldest first.
func (s *FeedbackService) ListRunFeedback(ctx context.Context, runID uuid.UUID) ([]*models.Feedback, error) {
	list, err := s.store.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	return list, nil
}
