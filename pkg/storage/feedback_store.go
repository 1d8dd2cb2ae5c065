package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/agentspy-io/agentspy/pkg/models"
)

// FeedbackStore persists run feedback. Feedback is append-only; there
// is no update path.
type FeedbackStore struct {
	db *sql.DB
}

// NewFeedbackStore creates a FeedbackStore over an open connection pool.
func NewFeedbackStore(db *sql.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

// Insert writes one feedback entry. A duplicate id surfaces as
// ErrConstraintViolation; feedback has no upsert semantics.
func (s *FeedbackStore) Insert(ctx context.Context, fb *models.Feedback) error {
	query := `
		INSERT INTO feedback (id, run_id, key, score, comment, correction,
			metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if _, err := s.db.ExecContext(ctx, query,
		fb.ID, fb.RunID, fb.Key, fb.Score, fb.Comment,
		jsonbArg(fb.Correction), jsonbArg(fb.Metadata), fb.CreatedAt,
	); err != nil {
		return wrapStoreErr("insert feedback", err)
	}
	return nil
}

// GetByID fetches one feedback entry, (nil, nil) when absent.
func (s *FeedbackStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Feedback, error) {
	query := `SELECT id, run_id, key, score, comment, correction, metadata,
		created_at FROM feedback WHERE id = $1`

	fb, err := scanFeedback(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("get feedback", err)
	}
	return fb, nil
}

// ListByRun fetches all feedback attached to a run, oldest first.
func (s *FeedbackStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.Feedback, error) {
	query := `SELECT id, run_id, key, score, comment, correction, metadata,
		created_at FROM feedback WHERE run_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, wrapStoreErr("list feedback", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*models.Feedback{}
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, wrapStoreErr("scan feedback row", err)
		}
		entries = append(entries, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("iterate feedback rows", err)
	}
	return entries, nil
}

func scanFeedback(row rowScanner) (*models.Feedback, error) {
	var fb models.Feedback
	var score sql.NullFloat64
	var comment sql.NullString
	var correction, metadata []byte

	if err := row.Scan(&fb.ID, &fb.RunID, &fb.Key, &score, &comment,
		&correction, &metadata, &fb.CreatedAt); err != nil {
		return nil, err
	}

	if score.Valid {
		v := score.Float64
		fb.Score = &v
	}
	if comment.Valid {
		fb.Comment = &comment.String
	}
	fb.Correction = json.RawMessage(correction)
	fb.Metadata = json.RawMessage(metadata)
	return &fb, nil
}
