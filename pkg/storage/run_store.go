// Package storage persists canonical runs and feedback in PostgreSQL.
// It provides write/read primitives only; status derivation and event
// emission live in pkg/services.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentspy-io/agentspy/pkg/models"
)

// Sentinel errors for run storage operations.
var (
	// ErrStorageUnavailable is returned when the database connection is dead.
	// Receivers translate it to 503 so clients retry.
	ErrStorageUnavailable = errors.New("run storage unavailable")

	// ErrConstraintViolation is returned when a write breaks a schema
	// constraint. Duplicate ids never trigger it; upserts absorb those.
	ErrConstraintViolation = errors.New("run storage constraint violation")
)

// RunStore is the PostgreSQL store for runs. All methods are safe for
// concurrent use; batches serialize per-row via row locks.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore over an open connection pool.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// UpsertOutcome describes one row's fate inside an ingest transaction.
// PrevStatus is meaningful only when Inserted is false.
type UpsertOutcome struct {
	ID         uuid.UUID
	Inserted   bool
	PrevStatus models.RunStatus
	NewStatus  models.RunStatus
	// Run is the post-merge row, for event payloads. A snapshot: later
	// writes in the same batch do not alias into it.
	Run *models.Run
}

// runColumns is the canonical select list; scanRun must stay in sync.
const runColumns = `id, trace_id, parent_run_id, name, run_type, status,
	start_time, end_time, inputs, outputs, extra, serialized, events,
	error, tags, reference_example_id, project_name, created_at, updated_at`

// UpsertRuns applies a batch of partial writes in one transaction.
//
// Existing rows are locked up front with SELECT ... FOR UPDATE in id
// order (concurrent batches acquire locks in the same order, so they
// serialize instead of deadlocking), merged in memory via Run.Apply,
// and written back whole. New ids insert with ON CONFLICT DO NOTHING;
// losing an insert race to a concurrent transaction degrades to
// lock-and-merge against the winner's row.
//
// Outcomes are returned in batch order. Duplicate ids within one batch
// fold left to right. The error return is batch-level: per-row
// validation happens before this call, so any failure here rolls the
// whole batch back.
func (s *RunStore) UpsertRuns(ctx context.Context, upserts []models.RunUpsert) ([]UpsertOutcome, error) {
	if len(upserts) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStoreErr("begin upsert transaction", err)
	}
	defer func() {
		_ = tx.Rollback() // safe after commit
	}()

	snap, err := lockRuns(ctx, tx, batchIDs(upserts))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	outcomes := make([]UpsertOutcome, len(upserts))

	// Process in sorted id order so insert-time lock acquisition
	// follows the same order as the up-front lock pass; the stable
	// sort keeps duplicate ids folding in their batch order. Outcomes
	// land at their batch positions regardless.
	order := make([]int, len(upserts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return upserts[order[a]].ID.String() < upserts[order[b]].ID.String()
	})

	for _, idx := range order {
		u := upserts[idx]

		prior, exists := snap[u.ID]
		if !exists {
			run := models.NewRunFromUpsert(u, now)
			inserted, err := insertRun(ctx, tx, run)
			if err != nil {
				return nil, err
			}
			if inserted {
				snap[u.ID] = run
				outcomes[idx] = UpsertOutcome{
					ID:        u.ID,
					Inserted:  true,
					NewStatus: run.Status,
					Run:       snapshotRun(run),
				}
				continue
			}
			// A concurrent transaction created the row between our lock
			// pass and this insert. It exists now, so lock and merge.
			prior, err = lockRun(ctx, tx, u.ID)
			if err != nil {
				return nil, err
			}
			if prior == nil {
				return nil, wrapStoreErr("lock contested row",
					fmt.Errorf("run %s vanished mid-transaction", u.ID))
			}
			snap[u.ID] = prior
		}

		prevStatus := prior.Status
		prior.Apply(u, now)
		if err := updateRun(ctx, tx, prior); err != nil {
			return nil, err
		}
		outcomes[idx] = UpsertOutcome{
			ID:         u.ID,
			PrevStatus: prevStatus,
			NewStatus:  prior.Status,
			Run:        snapshotRun(prior),
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStoreErr("commit upsert transaction", err)
	}
	return outcomes, nil
}

// batchIDs returns the distinct ids of a batch, sorted so lock
// acquisition order is identical across concurrent batches.
func batchIDs(upserts []models.RunUpsert) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(upserts))
	ids := make([]uuid.UUID, 0, len(upserts))
	for _, u := range upserts {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		ids = append(ids, u.ID)
	}
	sort.Slice(ids, func(i, j int) bool {
		return strings.Compare(ids[i].String(), ids[j].String()) < 0
	})
	return ids
}

// lockRuns reads and row-locks every existing run in ids, keyed by id.
// Ids with no row yet are simply absent from the result; FOR UPDATE
// cannot lock rows that do not exist.
func lockRuns(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) (map[uuid.UUID]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ANY($1) ORDER BY id FOR UPDATE`

	rows, err := tx.QueryContext(ctx, query, uuidStrings(ids))
	if err != nil {
		return nil, wrapStoreErr("lock batch rows", err)
	}
	defer func() { _ = rows.Close() }()

	snap := make(map[uuid.UUID]*models.Run, len(ids))
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrapStoreErr("scan locked row", err)
		}
		snap[run.ID] = run
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("iterate locked rows", err)
	}
	return snap, nil
}

// lockRun reads and row-locks a single run, blocking until any
// in-flight writer of that row commits. Returns nil if the row is gone.
func lockRun(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 FOR UPDATE`

	run, err := scanRun(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("lock row", err)
	}
	return run, nil
}

// insertRun writes a fully materialized new row. Returns false without
// error when the id already exists (insert race with another batch).
func insertRun(ctx context.Context, tx *sql.Tx, r *models.Run) (bool, error) {
	query := `
		INSERT INTO runs (
			id, trace_id, parent_run_id, name, run_type, status,
			start_time, end_time, inputs, outputs, extra, serialized,
			events, error, tags, reference_example_id, project_name,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING
	`

	eventsJSON, tagsJSON, err := encodeRunArrays(r)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, query,
		r.ID, r.TraceID, r.ParentRunID, r.Name, r.RunType, r.Status,
		r.StartTime, r.EndTime, jsonbArg(r.Inputs), jsonbArg(r.Outputs),
		jsonbArg(r.Extra), jsonbArg(r.Serialized), eventsJSON, r.Error,
		tagsJSON, r.ReferenceExampleID, r.ProjectName,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return false, wrapStoreErr("insert run", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapStoreErr("insert run rows affected", err)
	}
	return affected == 1, nil
}

// updateRun writes a merged row back whole. The caller holds the row
// lock, so the full-row write cannot interleave with another batch.
func updateRun(ctx context.Context, tx *sql.Tx, r *models.Run) error {
	query := `
		UPDATE runs SET
			trace_id = $2, parent_run_id = $3, name = $4, run_type = $5,
			status = $6, start_time = $7, end_time = $8, inputs = $9,
			outputs = $10, extra = $11, serialized = $12, events = $13,
			error = $14, tags = $15, reference_example_id = $16,
			project_name = $17, updated_at = $18
		WHERE id = $1
	`

	eventsJSON, tagsJSON, err := encodeRunArrays(r)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, query,
		r.ID, r.TraceID, r.ParentRunID, r.Name, r.RunType, r.Status,
		r.StartTime, r.EndTime, jsonbArg(r.Inputs), jsonbArg(r.Outputs),
		jsonbArg(r.Extra), jsonbArg(r.Serialized), eventsJSON, r.Error,
		tagsJSON, r.ReferenceExampleID, r.ProjectName, r.UpdatedAt,
	); err != nil {
		return wrapStoreErr("update run", err)
	}
	return nil
}

// encodeRunArrays marshals the events and tags columns. Nil slices
// store as empty JSON arrays, matching the column defaults.
func encodeRunArrays(r *models.Run) ([]byte, []byte, error) {
	events := r.Events
	if events == nil {
		events = []map[string]any{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, nil, wrapStoreErr("marshal events", err)
	}

	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, nil, wrapStoreErr("marshal tags", err)
	}
	return eventsJSON, tagsJSON, nil
}

// jsonbArg converts an opaque JSON field to its parameter value:
// unset (empty) becomes SQL NULL rather than invalid empty input.
func jsonbArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// snapshotRun shallow-copies a run so outcome payloads don't alias
// rows that a later upsert in the same batch may mutate.
func snapshotRun(r *models.Run) *models.Run {
	c := *r
	return &c
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun hydrates a Run from the runColumns select list.
func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var traceID, parentID, refID uuid.NullUUID
	var endTime sql.NullTime
	var inputs, outputs, extra, serialized, eventsJSON, tagsJSON []byte
	var errMsg, projectName sql.NullString

	if err := row.Scan(
		&r.ID, &traceID, &parentID, &r.Name, &r.RunType, &r.Status,
		&r.StartTime, &endTime, &inputs, &outputs, &extra, &serialized,
		&eventsJSON, &errMsg, &tagsJSON, &refID, &projectName,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if traceID.Valid {
		id := traceID.UUID
		r.TraceID = &id
	}
	if parentID.Valid {
		id := parentID.UUID
		r.ParentRunID = &id
	}
	if refID.Valid {
		id := refID.UUID
		r.ReferenceExampleID = &id
	}
	if endTime.Valid {
		t := endTime.Time
		r.EndTime = &t
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	if projectName.Valid {
		r.ProjectName = &projectName.String
	}
	r.Inputs = json.RawMessage(inputs)
	r.Outputs = json.RawMessage(outputs)
	r.Extra = json.RawMessage(extra)
	r.Serialized = json.RawMessage(serialized)

	r.Events = []map[string]any{}
	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &r.Events); err != nil {
			return nil, fmt.Errorf("decode events column for %s: %w", r.ID, err)
		}
	}
	r.Tags = []string{}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags column for %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// uuidStrings renders ids for array parameters; the uuid[] codec takes
// the textual form on every driver.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// wrapStoreErr classifies a database error behind the package
// sentinels so callers can branch on retryability.
//
// SQLSTATE class 08 (connection exception) and class 40 (transaction
// rollback: deadlock, serialization failure) both map to
// ErrStorageUnavailable; either way the write may succeed on retry.
// Class 23 (integrity constraint violation) maps to
// ErrConstraintViolation.
func wrapStoreErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "40"):
			return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
		case strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %s: %w", ErrConstraintViolation, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
