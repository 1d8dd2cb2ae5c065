package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentspy-io/agentspy/pkg/events"
)

// StatsBroadcaster periodically publishes stats.updated to the hub so
// dashboards refresh without polling. Quiet intervals stay quiet: a tick
// broadcasts only when ingest activity happened since the last successful
// broadcast.
type StatsBroadcaster struct {
	runs     *RunService
	hub      *events.Hub
	interval time.Duration

	// lastSeq is only touched from the run goroutine.
	lastSeq int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStatsBroadcaster creates a new StatsBroadcaster.
func NewStatsBroadcaster(runs *RunService, hub *events.Hub, interval time.Duration) *StatsBroadcaster {
	return &StatsBroadcaster{
		runs:     runs,
		hub:      hub,
		interval: interval,
	}
}

// Start launches the background broadcast loop.
func (b *StatsBroadcaster) Start(ctx context.Context) {
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go b.run(ctx)

	slog.Info("Stats broadcaster started", "interval", b.interval)
}

// Stop signals the broadcast loop to exit and waits for it to finish.
func (b *StatsBroadcaster) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	slog.Info("Stats broadcaster stopped")
}

func (b *StatsBroadcaster) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcast(ctx)
		}
	}
}

func (b *StatsBroadcaster) broadcast(ctx context.Context) {
	seq := b.runs.ActivitySeq()
	if seq == b.lastSeq {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := b.runs.RefreshDashboardStats(ctx)
	if err != nil {
		// lastSeq stays put, so the next tick retries.
		slog.Error("Stats broadcast failed", "error", err)
		return
	}
	b.lastSeq = seq

	b.hub.Publish(events.NewStatsEvent(stats))
}
