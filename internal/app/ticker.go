package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/feedpulse/internal/platform/correlation"
	"github.com/pscheid92/feedpulse/internal/realtime"
)

const defaultReportInterval = time.Minute

type statsSource interface {
	Stats() realtime.Stats
}

type backlogSource interface {
	Pending() int
}

// StatsReporter periodically logs registry sizes and the delivery backlog.
// Unchanged idle snapshots are logged once.
type StatsReporter struct {
	stats    statsSource
	backlog  backlogSource
	clock    clockwork.Clock
	interval time.Duration

	last    realtime.Stats
	started bool
}

// NewStatsReporter creates a reporter. A non-positive interval uses the default.
func NewStatsReporter(stats statsSource, backlog backlogSource, clock clockwork.Clock, interval time.Duration) *StatsReporter {
	if interval <= 0 {
		interval = defaultReportInterval
	}
	return &StatsReporter{stats: stats, backlog: backlog, clock: clock, interval: interval}
}

// Run starts the periodic report loop. It blocks until ctx is cancelled.
func (r *StatsReporter) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.report(ctx)
		}
	}
}

// report returns whether a line was logged.
func (r *StatsReporter) report(ctx context.Context) bool {
	stats := r.stats.Stats()
	pending := r.backlog.Pending()

	if r.started && stats == r.last && pending == 0 {
		return false
	}
	r.started = true
	r.last = stats

	tickCtx := correlation.WithID(ctx, correlation.NewID())
	slog.InfoContext(tickCtx, "Realtime stats",
		"connections", stats.Connections,
		"bound_users", stats.BoundUsers,
		"topics", stats.Topics,
		"pending_events", pending,
	)
	return true
}
