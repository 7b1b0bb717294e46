package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/feedpulse/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	mu      sync.Mutex
	stats   realtime.Stats
	pending int
	calls   int
}

func (f *fakeStats) Stats() realtime.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats
}

func (f *fakeStats) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeStats) set(stats realtime.Stats, pending int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
	f.pending = pending
}

func (f *fakeStats) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStatsReporter_SkipsUnchangedIdleSnapshots(t *testing.T) {
	src := &fakeStats{}
	r := NewStatsReporter(src, src, clockwork.NewFakeClock(), time.Second)
	ctx := context.Background()

	assert.True(t, r.report(ctx), "first report always logs")
	assert.False(t, r.report(ctx))

	src.set(realtime.Stats{Connections: 2, BoundUsers: 1}, 0)
	assert.True(t, r.report(ctx))
	assert.False(t, r.report(ctx))

	src.set(realtime.Stats{Connections: 2, BoundUsers: 1}, 5)
	assert.True(t, r.report(ctx), "a backlog is always reported")
}

func TestStatsReporter_RunTicksUntilCancelled(t *testing.T) {
	src := &fakeStats{}
	clock := clockwork.NewFakeClock()
	r := NewStatsReporter(src, src, clock, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return src.callCount() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewStatsReporter_DefaultInterval(t *testing.T) {
	r := NewStatsReporter(&fakeStats{}, &fakeStats{}, clockwork.NewFakeClock(), 0)
	assert.Equal(t, defaultReportInterval, r.interval)
}
