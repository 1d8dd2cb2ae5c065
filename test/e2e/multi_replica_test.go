package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// Scenario 17: Two Replicas, One Database
//
// Two servers share a PostgreSQL schema behind an imagined load
// balancer. Run state written through either replica is immediately
// visible through the other: the database is the single source of
// truth. Live event fan-out, by contrast, is process-local — a
// WebSocket subscriber only sees events for ingests that its own
// replica handled.
// ────────────────────────────────────────────────────────────

func TestE2E_MultiReplica(t *testing.T) {
	replicaA := NewTestApp(t)
	replicaB := NewTestApp(t, WithDatabase(replicaA.DBClient))

	wsA := replicaA.ConnectWS(t)
	subscribeAndSettle(t, wsA)
	wsB := replicaB.ConnectWS(t)
	subscribeAndSettle(t, wsB)

	// Ingest a completing run through replica A.
	id := newRunID()
	replicaA.SubmitBatch(t, []map[string]interface{}{
		runRow(id, "replicated-run", "chain", completedFields()),
	}, nil)

	_, err := wsA.WaitForRunEvent("trace.completed", id, 10*time.Second)
	require.NoError(t, err)

	// Replica B reads the same row.
	run := replicaB.GetRun(t, id)
	assert.Equal(t, "completed", run["status"])
	assert.Equal(t, "replicated-run", run["name"])

	// Late error patched through replica B flips the stored verdict,
	// and replica A sees the flip on its next read.
	replicaB.PatchRun(t, id, map[string]interface{}{
		"error": "downstream reported failure",
	})
	_, err = wsB.WaitForRunEvent("trace.failed", id, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "failed", replicaA.GetRun(t, id)["status"])

	// Aggregates agree because they come from the shared database.
	stats := replicaB.GetStatsSummary(t)
	assert.Equal(t, 1, jsonNumber(t, stats["total_runs"]))
	statusCounts := stats["status_counts"].(map[string]interface{})
	assert.Equal(t, 1, jsonNumber(t, statusCounts["failed"]))

	// Event fan-out never crosses replicas: each subscriber saw exactly
	// the frames its own replica published. Waiting for the terminal
	// frame on the publishing side above makes these lists final.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []string{"trace.created", "trace.completed"},
		runEventTypes(wsA.TraceEvents(), id),
		"replica A publishes only its own ingests")
	assert.Equal(t, []string{"trace.updated", "trace.failed"},
		runEventTypes(wsB.TraceEvents(), id),
		"replica B publishes only its own patches")
}
