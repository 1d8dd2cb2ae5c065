package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentspy-io/agentspy/pkg/models"
)

// orphanAge is how long a run may sit without an end_time before the
// completeness audit flags it as a potential orphan.
const orphanAge = 2 * time.Hour

// GetByID fetches one run. Returns (nil, nil) when no row exists;
// callers decide whether absence is an error.
func (s *RunStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("get run", err)
	}
	return run, nil
}

// GetChildren fetches the direct children of a run, oldest first.
func (s *RunStore) GetChildren(ctx context.Context, parentID uuid.UUID) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE parent_run_id = $1 ORDER BY start_time ASC`

	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, wrapStoreErr("get children", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// GetByTraceID fetches every run carrying the trace id, oldest first.
// Hierarchy assembly uses this to pick up same-trace runs whose parent
// rows never arrived.
func (s *RunStore) GetByTraceID(ctx context.Context, traceID uuid.UUID) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE trace_id = $1 ORDER BY start_time ASC`

	rows, err := s.db.QueryContext(ctx, query, traceID)
	if err != nil {
		return nil, wrapStoreErr("get trace runs", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

// GetSubtree fetches a run and its descendants with an iterative
// breadth-first walk over the (parent_run_id, start_time) index,
// descending at most maxDepth generations below the root. There is no
// recursive join to break on missing rows; absent parents simply end a
// branch. The result is in BFS order, root first. Returns (nil, nil)
// when the root does not exist.
func (s *RunStore) GetSubtree(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]*models.Run, error) {
	root, err := s.GetByID(ctx, rootID)
	if err != nil || root == nil {
		return nil, err
	}

	runs := []*models.Run{root}
	seen := map[uuid.UUID]struct{}{rootID: {}}
	frontier := []uuid.UUID{rootID}

	query := `SELECT ` + runColumns + ` FROM runs
		WHERE parent_run_id = ANY($1)
		ORDER BY parent_run_id, start_time`

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		rows, err := s.db.QueryContext(ctx, query, uuidStrings(frontier))
		if err != nil {
			return nil, wrapStoreErr("get subtree level", err)
		}
		level, err := collectRuns(rows)
		_ = rows.Close()
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, child := range level {
			// A run cannot be its own ancestor, but ingest does not
			// enforce that, so guard the walk against cycles.
			if _, ok := seen[child.ID]; ok {
				continue
			}
			seen[child.ID] = struct{}{}
			runs = append(runs, child)
			frontier = append(frontier, child.ID)
		}
	}
	return runs, nil
}

// ListRoots pages through root runs matching the filter, newest first.
// The second return is the total match count independent of paging,
// computed with a window aggregate in the same scan. Limit and offset
// are applied as given; bounds policy belongs to the caller.
func (s *RunStore) ListRoots(ctx context.Context, f models.RootRunFilter) ([]models.RunSummary, int64, error) {
	conditions := []string{"parent_run_id IS NULL"}
	args := []any{}
	param := 1

	if f.Project != "" {
		conditions = append(conditions, fmt.Sprintf("project_name = $%d", param))
		args = append(args, f.Project)
		param++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", param))
		args = append(args, f.Status)
		param++
	}
	if f.Search != "" {
		conditions = append(conditions, fmt.Sprintf("name ILIKE $%d", param))
		args = append(args, "%"+f.Search+"%")
		param++
	}
	if f.StartTimeGTE != nil {
		conditions = append(conditions, fmt.Sprintf("start_time >= $%d", param))
		args = append(args, *f.StartTimeGTE)
		param++
	}
	if f.StartTimeLTE != nil {
		conditions = append(conditions, fmt.Sprintf("start_time <= $%d", param))
		args = append(args, *f.StartTimeLTE)
		param++
	}

	query := fmt.Sprintf(`
		SELECT id, trace_id, name, run_type, status, start_time, end_time,
			error, tags, project_name, COUNT(*) OVER() AS total_count
		FROM runs
		WHERE %s
		ORDER BY start_time DESC
		LIMIT $%d OFFSET $%d`,
		strings.Join(conditions, " AND "), param, param+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapStoreErr("list root runs", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := []models.RunSummary{}
	var total int64
	for rows.Next() {
		var sm models.RunSummary
		var traceID uuid.NullUUID
		var endTime sql.NullTime
		var errMsg, projectName sql.NullString
		var tagsJSON []byte

		if err := rows.Scan(&sm.ID, &traceID, &sm.Name, &sm.RunType,
			&sm.Status, &sm.StartTime, &endTime, &errMsg, &tagsJSON,
			&projectName, &total); err != nil {
			return nil, 0, wrapStoreErr("scan root run", err)
		}

		if traceID.Valid {
			id := traceID.UUID
			sm.TraceID = &id
		}
		if endTime.Valid {
			t := endTime.Time
			sm.EndTime = &t
			ms := t.Sub(sm.StartTime).Milliseconds()
			sm.DurationMS = &ms
		}
		if errMsg.Valid {
			sm.Error = &errMsg.String
		}
		if projectName.Valid {
			sm.ProjectName = &projectName.String
		}
		sm.Tags = []string{}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &sm.Tags); err != nil {
				return nil, 0, fmt.Errorf("decode tags column for %s: %w", sm.ID, err)
			}
		}
		summaries = append(summaries, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreErr("iterate root runs", err)
	}

	// An out-of-range page has no rows to carry the window total, so
	// count the matches separately.
	if len(summaries) == 0 {
		countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM runs WHERE %s`,
			strings.Join(conditions, " AND "))
		if err := s.db.QueryRowContext(ctx, countQuery, args[:param-1]...).Scan(&total); err != nil {
			return nil, 0, wrapStoreErr("count root runs", err)
		}
	}
	return summaries, total, nil
}

// CountChildren returns direct-child counts for the given parents in
// one aggregate query. Parents with no children are absent from the
// map.
func (s *RunStore) CountChildren(ctx context.Context, parentIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(parentIDs))
	if len(parentIDs) == 0 {
		return counts, nil
	}

	query := `SELECT parent_run_id, COUNT(*) FROM runs
		WHERE parent_run_id = ANY($1)
		GROUP BY parent_run_id`

	rows, err := s.db.QueryContext(ctx, query, uuidStrings(parentIDs))
	if err != nil {
		return nil, wrapStoreErr("count children", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var parent uuid.UUID
		var n int64
		if err := rows.Scan(&parent, &n); err != nil {
			return nil, wrapStoreErr("scan child count", err)
		}
		counts[parent] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("iterate child counts", err)
	}
	return counts, nil
}

// AggregateStats computes the dashboard rollup: total runs, status and
// run-type and project distributions, and how many runs started within
// the window. Runs without a project are counted in the totals but not
// in the project distribution.
func (s *RunStore) AggregateStats(ctx context.Context, window time.Duration) (*models.DashboardStats, error) {
	now := time.Now().UTC()
	stats := &models.DashboardStats{
		StatusCounts:  map[string]int64{},
		RunTypeCounts: map[string]int64{},
		ProjectCounts: map[string]int64{},
		WindowHours:   int(window.Hours()),
		GeneratedAt:   now,
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs`).Scan(&stats.TotalRuns); err != nil {
		return nil, wrapStoreErr("count runs", err)
	}

	if err := s.groupCount(ctx,
		`SELECT status, COUNT(*) FROM runs GROUP BY status`,
		stats.StatusCounts); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx,
		`SELECT run_type, COUNT(*) FROM runs GROUP BY run_type`,
		stats.RunTypeCounts); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx,
		`SELECT project_name, COUNT(*) FROM runs
			WHERE project_name IS NOT NULL GROUP BY project_name`,
		stats.ProjectCounts); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE start_time >= $1`,
		now.Add(-window)).Scan(&stats.RecentRuns); err != nil {
		return nil, wrapStoreErr("count recent runs", err)
	}
	return stats, nil
}

// groupCount runs a two-column (key, count) aggregate into dest.
func (s *RunStore) groupCount(ctx context.Context, query string, dest map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return wrapStoreErr("aggregate counts", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return wrapStoreErr("scan aggregate count", err)
		}
		dest[key] = n
	}
	if err := rows.Err(); err != nil {
		return wrapStoreErr("iterate aggregate counts", err)
	}
	return nil
}

// ListProjects returns every named project with run count and latest
// start time, most recently active first.
func (s *RunStore) ListProjects(ctx context.Context) ([]models.ProjectSummary, error) {
	query := `SELECT project_name, COUNT(*), MAX(start_time) FROM runs
		WHERE project_name IS NOT NULL
		GROUP BY project_name
		ORDER BY MAX(start_time) DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapStoreErr("list projects", err)
	}
	defer func() { _ = rows.Close() }()

	projects := []models.ProjectSummary{}
	for rows.Next() {
		var p models.ProjectSummary
		var last sql.NullTime
		if err := rows.Scan(&p.Name, &p.RunCount, &last); err != nil {
			return nil, wrapStoreErr("scan project", err)
		}
		if last.Valid {
			t := last.Time
			p.LastRunAt = &t
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("iterate projects", err)
	}
	return projects, nil
}

// IncompleteScan is the raw material of a completeness report: the
// number of recently-updated runs plus the three anomaly classes over
// them. A run may appear in more than one class.
type IncompleteScan struct {
	TotalRecent                 int64
	CompletedMissingOutputs     models.AnomalyDetail
	LongRunningPotentialOrphans models.AnomalyDetail
	IncompleteCompletion        models.AnomalyDetail
}

// ScanIncomplete audits runs updated within the window, optionally
// narrowed to one project, and samples at most idLimit offending ids
// per class. Counts are exact regardless of idLimit.
func (s *RunStore) ScanIncomplete(ctx context.Context, window time.Duration, project string, idLimit int) (*IncompleteScan, error) {
	now := time.Now().UTC()

	base := "updated_at >= $1"
	baseArgs := []any{now.Add(-window)}
	if project != "" {
		base += " AND project_name = $2"
		baseArgs = append(baseArgs, project)
	}

	scan := &IncompleteScan{}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE `+base,
		baseArgs...).Scan(&scan.TotalRecent); err != nil {
		return nil, wrapStoreErr("count audited runs", err)
	}

	// Completed without outputs and without error: the caller reported
	// an end but never attached a result.
	missingOutputs := "end_time IS NOT NULL AND error IS NULL AND outputs IS NULL"
	detail, err := s.scanAnomaly(ctx, base, missingOutputs, baseArgs, idLimit)
	if err != nil {
		return nil, err
	}
	scan.CompletedMissingOutputs = detail

	// Still open long past any plausible runtime: likely an orphaned
	// root whose completion patch never arrived.
	orphans := fmt.Sprintf("end_time IS NULL AND start_time < $%d", len(baseArgs)+1)
	detail, err = s.scanAnomaly(ctx, base, orphans,
		append(append([]any{}, baseArgs...), now.Add(-orphanAge)), idLimit)
	if err != nil {
		return nil, err
	}
	scan.LongRunningPotentialOrphans = detail

	// Ended with neither outputs nor error. Overlaps the first class;
	// the score charges each class separately.
	incomplete := "end_time IS NOT NULL AND outputs IS NULL AND error IS NULL"
	detail, err = s.scanAnomaly(ctx, base, incomplete, baseArgs, idLimit)
	if err != nil {
		return nil, err
	}
	scan.IncompleteCompletion = detail

	return scan, nil
}

// scanAnomaly counts runs matching base AND predicate and samples the
// newest idLimit ids.
func (s *RunStore) scanAnomaly(ctx context.Context, base, predicate string, args []any, idLimit int) (models.AnomalyDetail, error) {
	detail := models.AnomalyDetail{RunIDs: []uuid.UUID{}}

	query := fmt.Sprintf(`
		SELECT id, COUNT(*) OVER() AS total
		FROM runs
		WHERE %s AND %s
		ORDER BY start_time DESC
		LIMIT $%d`, base, predicate, len(args)+1)
	args = append(append([]any{}, args...), idLimit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return detail, wrapStoreErr("scan anomaly class", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id, &detail.Count); err != nil {
			return detail, wrapStoreErr("scan anomaly row", err)
		}
		detail.RunIDs = append(detail.RunIDs, id)
	}
	if err := rows.Err(); err != nil {
		return detail, wrapStoreErr("iterate anomaly rows", err)
	}
	return detail, nil
}

// collectRuns drains a runColumns result set.
func collectRuns(rows *sql.Rows) ([]*models.Run, error) {
	runs := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrapStoreErr("scan run row", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("iterate run rows", err)
	}
	return runs, nil
}
