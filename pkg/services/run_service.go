// Package services implements the application layer between the receivers
// and storage: batch ingestion with per-row error isolation, post-commit
// event emission, hierarchy assembly, dashboard aggregates, and the
// trace-completeness audit.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentspy-io/agentspy/pkg/cache"
	"github.com/agentspy-io/agentspy/pkg/config"
	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/models"
	"github.com/agentspy-io/agentspy/pkg/storage"
)

const (
	// Dashboard paging clamps. Out-of-range values are clamped, not rejected.
	defaultRootPageLimit = 50
	maxRootPageLimit     = 1000

	// maxHierarchyDepth bounds the parent-link walk during tree assembly.
	maxHierarchyDepth = 100

	// anomalySampleLimit bounds the offending-id samples in completeness reports.
	anomalySampleLimit = 20

	statsCacheKey = "dashboard:stats:summary"
)

// Completeness verdict thresholds.
const (
	healthyScoreThreshold  = 0.95
	degradedScoreThreshold = 0.90
)

// RunService implements trace ingestion and the dashboard read model on top
// of the run store. Events are published to the hub only after the storage
// transaction has committed, in merge order; a slow or absent subscriber can
// never fail an ingest call.
type RunService struct {
	store *storage.RunStore
	hub   *events.Hub
	cache cache.Cache
	cfg   *config.Config

	// activity advances on every persisted upsert; the stats broadcaster
	// polls it to skip quiet intervals.
	activity atomic.Int64
}

// NewRunService creates a new RunService.
func NewRunService(store *storage.RunStore, hub *events.Hub, c cache.Cache, cfg *config.Config) *RunService {
	return &RunService{store: store, hub: hub, cache: c, cfg: cfg}
}

// IngestBatch processes one batch ingest request. Rows are validated
// individually so a bad row fails alone; the surviving rows are merged in a
// single transaction and their lifecycle events published after commit.
//
// Counts are per row, not per run: a post and a patch for the same id in one
// batch report one created and one updated even though storage folds them
// into a single row. CreatedCount + UpdatedCount + len(Errors) always equals
// len(post) + len(patch).
func (s *RunService) IngestBatch(ctx context.Context, source models.Source, req models.BatchIngestRequest) (*models.BatchResult, error) {
	result := &models.BatchResult{Errors: []models.BatchError{}}

	// Post and patch rows validate identically; created vs updated is
	// decided by the storage outcome, not by which half carried the row.
	plan := make([]models.RunUpsert, 0, len(req.Post)+len(req.Patch))
	for _, half := range [][]json.RawMessage{req.Post, req.Patch} {
		for _, raw := range half {
			upsert, rowErr := s.decodeRow(raw)
			if rowErr != nil {
				result.Errors = append(result.Errors, *rowErr)
				continue
			}
			plan = append(plan, upsert)
		}
	}

	if len(plan) == 0 {
		result.Success = len(result.Errors) == 0
		return result, nil
	}

	outcomes, err := s.store.UpsertRuns(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert runs: %w", err)
	}

	for i := range outcomes {
		if outcomes[i].Inserted {
			result.CreatedCount++
		} else {
			result.UpdatedCount++
		}
	}
	result.Success = len(result.Errors) == 0

	s.activity.Add(int64(len(outcomes)))
	s.publishOutcomes(outcomes, source)

	slog.Debug("Ingested run batch",
		"source", source,
		"created", result.CreatedCount,
		"updated", result.UpdatedCount,
		"rejected", len(result.Errors))
	return result, nil
}

// IngestSpans persists already-canonicalized upserts from the OTLP
// receivers and publishes their lifecycle events. Merge and emission
// semantics match IngestBatch; only the wire decoding differs.
func (s *RunService) IngestSpans(ctx context.Context, source models.Source, upserts []models.RunUpsert) error {
	if len(upserts) == 0 {
		return nil
	}
	outcomes, err := s.store.UpsertRuns(ctx, upserts)
	if err != nil {
		return fmt.Errorf("failed to upsert spans: %w", err)
	}
	s.activity.Add(int64(len(outcomes)))
	s.publishOutcomes(outcomes, source)
	return nil
}

// CreateRun ingests a single run creation and returns the stored run after
// merge. The payload must carry a client-generated id.
func (s *RunService) CreateRun(ctx context.Context, source models.Source, raw json.RawMessage) (*models.Run, error) {
	payload, err := s.decodeSingle(raw)
	if err != nil {
		return nil, err
	}
	return s.ingestPayload(ctx, source, payload)
}

// PatchRun ingests a partial update against the run id from the request
// path. A body id, when present, must agree with the path id.
func (s *RunService) PatchRun(ctx context.Context, source models.Source, id string, raw json.RawMessage) (*models.Run, error) {
	pathID, err := uuid.Parse(id)
	if err != nil {
		return nil, NewValidationError("id", fmt.Sprintf("invalid run id %q", id))
	}
	payload, err := s.decodeSingle(raw)
	if err != nil {
		return nil, err
	}
	if payload.ID != "" {
		bodyID, err := uuid.Parse(payload.ID)
		if err != nil || bodyID != pathID {
			return nil, NewValidationError("id", "body id does not match path id")
		}
	}
	payload.ID = pathID.String()
	return s.ingestPayload(ctx, source, payload)
}

// GetRun returns a run by id.
func (s *RunService) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	run, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

// GetRootRuns returns one dashboard page of root runs, each augmented with
// duration and child count.
func (s *RunService) GetRootRuns(ctx context.Context, f models.RootRunFilter) (*models.RootRunsPage, error) {
	if f.Status != "" && !models.RunStatus(f.Status).IsValid() {
		return nil, NewValidationError("status", "must be one of: running, completed, failed")
	}
	if f.Limit <= 0 {
		f.Limit = defaultRootPageLimit
	}
	if f.Limit > maxRootPageLimit {
		f.Limit = maxRootPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	summaries, total, err := s.store.ListRoots(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list root runs: %w", err)
	}

	ids := make([]uuid.UUID, len(summaries))
	for i := range summaries {
		ids[i] = summaries[i].ID
	}
	counts, err := s.store.CountChildren(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count children: %w", err)
	}
	for i := range summaries {
		summaries[i].ChildRunCount = counts[summaries[i].ID]
	}

	return &models.RootRunsPage{
		Runs:       summaries,
		TotalCount: total,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}, nil
}

// GetHierarchy assembles the full trace tree rooted at the given run.
//
// Two loads are merged: a depth-bounded walk down parent_run_id links and,
// when the root carries a trace_id, every run recorded under that trace. The
// union covers subtrees whose intermediate parents never arrived: a run
// whose parent is absent but whose trace_id matches the root's is promoted
// to a direct child of the root rather than dropped. Runs that stay
// unreachable (a second parentless run in the trace, or descendants of one)
// are counted in OmittedRuns.
func (s *RunService) GetHierarchy(ctx context.Context, rootID uuid.UUID) (*models.HierarchyTree, error) {
	root, err := s.store.GetByID(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if root == nil {
		return nil, ErrNotFound
	}

	loaded := map[uuid.UUID]*models.Run{rootID: root}
	subtree, err := s.store.GetSubtree(ctx, rootID, maxHierarchyDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to load subtree: %w", err)
	}
	for _, r := range subtree {
		loaded[r.ID] = r
	}
	if root.TraceID != nil {
		traceRuns, err := s.store.GetByTraceID(ctx, *root.TraceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load trace: %w", err)
		}
		for _, r := range traceRuns {
			if _, ok := loaded[r.ID]; !ok {
				loaded[r.ID] = r
			}
		}
	}

	nodes := make(map[uuid.UUID]*models.HierarchyNode, len(loaded))
	for id, r := range loaded {
		nodes[id] = &models.HierarchyNode{
			Run:        *r,
			DurationMS: r.DurationMS(),
			Children:   []*models.HierarchyNode{},
		}
	}

	// Each node attaches to at most one parent, so the children edges form
	// a forest and the rollup walk below cannot loop.
	rootNode := nodes[rootID]
	for id, node := range nodes {
		if id == rootID {
			continue
		}
		switch {
		case node.ParentRunID == nil:
			// A second parentless run in the trace is not part of this
			// root's tree; leave it detached.
		case nodes[*node.ParentRunID] != nil:
			parent := nodes[*node.ParentRunID]
			parent.Children = append(parent.Children, node)
		case sameTrace(root, &node.Run):
			rootNode.Children = append(rootNode.Children, node)
		}
	}

	tree := &models.HierarchyTree{HierarchyNode: rootNode}
	walkHierarchy(rootNode, 1, tree)
	tree.OmittedRuns = len(nodes) - tree.TotalRuns
	return tree, nil
}

// GetDashboardStats returns the aggregate counters, serving a cached
// snapshot when one is fresh. Staleness is bounded by the stats interval;
// the broadcaster refreshes the same cache entry on its tick.
func (s *RunService) GetDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	if v, ok := s.cache.Get(ctx, statsCacheKey); ok {
		if stats, ok := v.(*models.DashboardStats); ok {
			return stats, nil
		}
	}
	return s.RefreshDashboardStats(ctx)
}

// RefreshDashboardStats recomputes the aggregates and replaces the cached
// snapshot.
func (s *RunService) RefreshDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	stats, err := s.store.AggregateStats(ctx, s.cfg.StatsWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	s.cache.Set(ctx, statsCacheKey, stats, s.cfg.StatsInterval)
	return stats, nil
}

// CheckCompleteness audits recent ingest quality. A non-positive window
// falls back to the configured stats window; project narrows the audit when
// non-empty.
func (s *RunService) CheckCompleteness(ctx context.Context, window time.Duration, project string) (*models.CompletenessReport, error) {
	if window <= 0 {
		window = s.cfg.StatsWindow
	}
	scan, err := s.store.ScanIncomplete(ctx, window, project, anomalySampleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for incomplete traces: %w", err)
	}

	// A run matching several classes is charged once per class, so the
	// score can undercount but never hides an anomaly class.
	anomalies := scan.CompletedMissingOutputs.Count +
		scan.LongRunningPotentialOrphans.Count +
		scan.IncompleteCompletion.Count
	score := 1.0
	if scan.TotalRecent > 0 {
		score = 1.0 - float64(anomalies)/float64(scan.TotalRecent)
		if score < 0 {
			score = 0
		}
	}

	status := "unhealthy"
	switch {
	case score >= healthyScoreThreshold:
		status = "healthy"
	case score >= degradedScoreThreshold:
		status = "degraded"
	}

	return &models.CompletenessReport{
		Status:                      status,
		CompletenessScore:           score,
		TotalRuns:                   scan.TotalRecent,
		WindowHours:                 int(window.Hours()),
		Project:                     project,
		CompletedMissingOutputs:     scan.CompletedMissingOutputs,
		LongRunningPotentialOrphans: scan.LongRunningPotentialOrphans,
		IncompleteCompletion:        scan.IncompleteCompletion,
		CheckedAt:                   time.Now().UTC(),
	}, nil
}

// ListProjects returns the distinct project names with run counts, ordered
// by most recent activity.
func (s *RunService) ListProjects(ctx context.Context) ([]models.ProjectSummary, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// ActivitySeq returns a counter that advances on every persisted upsert.
// The stats broadcaster compares snapshots of it to skip quiet intervals.
func (s *RunService) ActivitySeq() int64 {
	return s.activity.Load()
}

// ──────────────────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────────────────

// decodeRow validates one batch row: payload cap, JSON shape, field rules.
// Failures come back as a BatchError carrying whatever id the row had.
func (s *RunService) decodeRow(raw json.RawMessage) (models.RunUpsert, *models.BatchError) {
	if int64(len(raw)) > s.cfg.MaxTraceSizeBytes() {
		return models.RunUpsert{}, &models.BatchError{
			ID:      models.ProbeID(raw),
			Message: fmt.Sprintf("run payload exceeds %d MB limit", s.cfg.MaxTraceSizeMB),
		}
	}
	var payload models.RunPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.RunUpsert{}, &models.BatchError{
			ID:      models.ProbeID(raw),
			Message: fmt.Sprintf("malformed run payload: %v", err),
		}
	}
	upsert, err := payload.ToUpsert()
	if err != nil {
		return models.RunUpsert{}, &models.BatchError{ID: payload.ID, Message: err.Error()}
	}
	return upsert, nil
}

// decodeSingle applies the same cap and shape checks as decodeRow but
// reports failures as validation errors, for the single-run endpoints.
func (s *RunService) decodeSingle(raw json.RawMessage) (*models.RunPayload, error) {
	if int64(len(raw)) > s.cfg.MaxTraceSizeBytes() {
		return nil, NewValidationError("payload",
			fmt.Sprintf("run payload exceeds %d MB limit", s.cfg.MaxTraceSizeMB))
	}
	var payload models.RunPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewValidationError("payload", fmt.Sprintf("malformed run payload: %v", err))
	}
	return &payload, nil
}

func (s *RunService) ingestPayload(ctx context.Context, source models.Source, payload *models.RunPayload) (*models.Run, error) {
	upsert, err := payload.ToUpsert()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	outcomes, err := s.store.UpsertRuns(ctx, []models.RunUpsert{upsert})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert run: %w", err)
	}
	s.activity.Add(1)
	s.publishOutcomes(outcomes, source)
	return outcomes[0].Run, nil
}

// runEmission collapses every outcome for one run id: multiple rows in a
// batch produce one primary event plus at most one terminal event.
type runEmission struct {
	created bool
	prev    models.RunStatus // status before this batch touched the run
	last    *storage.UpsertOutcome
}

// publishOutcomes emits lifecycle events for committed outcomes, one group
// per run id in first-seen order. The primary event is trace.created when
// any row inserted the run, trace.updated otherwise, and carries the run's
// final post-batch state. The terminal event fires only when this call left
// the run terminal and either created it or changed its status, so repeated
// terminal patches stay quiet while a completed→failed flip still announces
// trace.failed.
func (s *RunService) publishOutcomes(outcomes []storage.UpsertOutcome, source models.Source) {
	order := make([]uuid.UUID, 0, len(outcomes))
	byID := make(map[uuid.UUID]*runEmission, len(outcomes))
	for i := range outcomes {
		o := &outcomes[i]
		e, ok := byID[o.ID]
		if !ok {
			e = &runEmission{prev: o.PrevStatus}
			byID[o.ID] = e
			order = append(order, o.ID)
		}
		if o.Inserted {
			e.created = true
		}
		e.last = o
	}

	for _, id := range order {
		e := byID[id]
		primary := events.EventTypeTraceUpdated
		if e.created {
			primary = events.EventTypeTraceCreated
		}
		s.hub.Publish(events.NewRunEvent(primary, e.last.Run, source))

		if e.last.NewStatus.IsTerminal() && (e.created || e.prev != e.last.NewStatus) {
			terminal := events.EventTypeTraceCompleted
			if e.last.NewStatus == models.StatusFailed {
				terminal = events.EventTypeTraceFailed
			}
			s.hub.Publish(events.NewRunEvent(terminal, e.last.Run, source))
		}
	}
}

func sameTrace(root, run *models.Run) bool {
	return root.TraceID != nil && run.TraceID != nil && *root.TraceID == *run.TraceID
}

// walkHierarchy finalizes one subtree: orders children deterministically and
// accumulates the reachable-node and depth rollups.
func walkHierarchy(node *models.HierarchyNode, depth int, tree *models.HierarchyTree) {
	tree.TotalRuns++
	if depth > tree.MaxDepth {
		tree.MaxDepth = depth
	}
	sort.Slice(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.ID.String() < b.ID.String()
	})
	for _, child := range node.Children {
		walkHierarchy(child, depth+1, tree)
	}
}
