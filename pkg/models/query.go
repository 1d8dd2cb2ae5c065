package models

import (
	"time"

	"github.com/google/uuid"
)

// RootRunFilter contains filtering options for listing root runs
type RootRunFilter struct {
	Project      string     `json:"project,omitempty"`
	Status       string     `json:"status,omitempty"`
	Search       string     `json:"search,omitempty"`
	StartTimeGTE *time.Time `json:"start_time_gte,omitempty"`
	StartTimeLTE *time.Time `json:"start_time_lte,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// RunSummary is one dashboard row: a root run augmented with duration and
// child count
type RunSummary struct {
	ID            uuid.UUID  `json:"id"`
	TraceID       *uuid.UUID `json:"trace_id,omitempty"`
	Name          string     `json:"name"`
	RunType       RunType    `json:"run_type"`
	Status        RunStatus  `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	Error         *string    `json:"error,omitempty"`
	Tags          []string   `json:"tags"`
	ProjectName   *string    `json:"project_name,omitempty"`
	ChildRunCount int64      `json:"child_run_count"`
}

// RootRunsPage contains a paginated root-run list
type RootRunsPage struct {
	Runs       []RunSummary `json:"runs"`
	TotalCount int64        `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
}

// HierarchyNode is one run in an assembled trace tree
type HierarchyNode struct {
	Run
	DurationMS *int64           `json:"duration_ms,omitempty"`
	Children   []*HierarchyNode `json:"children"`
}

// HierarchyTree is the hierarchy response: the root node flattened into the
// top level plus subtree rollups. OmittedRuns counts nodes dropped because
// their missing parent belonged to a different trace.
type HierarchyTree struct {
	*HierarchyNode
	TotalRuns   int `json:"total_runs"`
	MaxDepth    int `json:"max_depth"`
	OmittedRuns int `json:"omitted_runs"`
}

// DashboardStats is the stats/summary aggregate
type DashboardStats struct {
	TotalRuns     int64            `json:"total_runs"`
	StatusCounts  map[string]int64 `json:"status_counts"`
	RunTypeCounts map[string]int64 `json:"run_type_counts"`
	ProjectCounts map[string]int64 `json:"project_counts"`
	RecentRuns    int64            `json:"recent_runs"`
	WindowHours   int              `json:"window_hours"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

// ProjectSummary is one entry of the project listing used to populate
// dashboard filters
type ProjectSummary struct {
	Name      string     `json:"name"`
	RunCount  int64      `json:"run_count"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// AnomalyDetail reports one completeness anomaly class: how many runs match
// and a bounded sample of their ids
type AnomalyDetail struct {
	Count  int64       `json:"count"`
	RunIDs []uuid.UUID `json:"run_ids"`
}

// CompletenessReport is the trace-completeness audit result served by
// /health/traces. The score is 1 − (sum of anomaly counts / total recent
// runs); a run matching several classes weighs once per class.
type CompletenessReport struct {
	Status                      string        `json:"status"`
	CompletenessScore           float64       `json:"completeness_score"`
	TotalRuns                   int64         `json:"total_runs"`
	WindowHours                 int           `json:"window_hours"`
	Project                     string        `json:"project,omitempty"`
	CompletedMissingOutputs     AnomalyDetail `json:"completed_missing_outputs"`
	LongRunningPotentialOrphans AnomalyDetail `json:"long_running_potential_orphans"`
	IncompleteCompletion        AnomalyDetail `json:"incomplete_completion"`
	CheckedAt                   time.Time     `json:"checked_at"`
}
