package websocket

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func newTestLimits(maxConns, perIP int, perSec float64, burst int) (*ConnectionLimits, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewConnectionLimits(LimitsConfig{
		MaxConnections:      maxConns,
		MaxConnectionsPerIP: perIP,
		ConnectionsPerSec:   perSec,
		Burst:               burst,
	}, clock), clock
}

func TestConnectionLimits_Global(t *testing.T) {
	limits, _ := newTestLimits(2, 10, 100, 100)

	ok, _ := limits.Acquire("10.0.0.1")
	assert.True(t, ok)
	ok, _ = limits.Acquire("10.0.0.2")
	assert.True(t, ok)

	ok, reason := limits.Acquire("10.0.0.3")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)

	limits.Release("10.0.0.1")
	ok, _ = limits.Acquire("10.0.0.3")
	assert.True(t, ok)
}

func TestConnectionLimits_PerIPRollsBackGlobal(t *testing.T) {
	limits, _ := newTestLimits(10, 1, 100, 100)

	ok, _ := limits.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := limits.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
	assert.Equal(t, int64(1), limits.Current(), "global slot must be rolled back")
	assert.Equal(t, 1, limits.CountForIP("10.0.0.1"))

	limits.Release("10.0.0.1")
	assert.Equal(t, 0, limits.CountForIP("10.0.0.1"))
	assert.Equal(t, int64(0), limits.Current())
}

func TestConnectionLimits_RateRefillsWithClock(t *testing.T) {
	limits, clock := newTestLimits(100, 100, 1, 2)

	for range 2 {
		ok, _ := limits.Acquire("10.0.0.1")
		assert.True(t, ok)
	}
	ok, reason := limits.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)

	ok, _ = limits.Acquire("10.0.0.2")
	assert.True(t, ok, "rate is tracked per IP")

	clock.Advance(time.Second)
	ok, _ = limits.Acquire("10.0.0.1")
	assert.True(t, ok)
}

func TestConnectionLimits_IdleRateEntriesAreCleanedUp(t *testing.T) {
	limits, clock := newTestLimits(100, 100, 10, 10)

	limits.Acquire("10.0.0.1")
	clock.Advance(rateLimiterIdleTTL + rateLimiterCleanupInterval + time.Second)
	limits.Acquire("10.0.0.2")

	limits.rate.mu.Lock()
	defer limits.rate.mu.Unlock()
	assert.NotContains(t, limits.rate.limiters, "10.0.0.1")
	assert.Contains(t, limits.rate.limiters, "10.0.0.2")
}

func TestConnectionLimits_ConcurrentAcquire(t *testing.T) {
	limits, _ := newTestLimits(100, 1000, 1000, 1000)
	var success, failed atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _ := limits.Acquire("10.0.0.1"); ok {
				success.Add(1)
			} else {
				failed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), success.Load())
	assert.Equal(t, int64(100), failed.Load())
	assert.Equal(t, int64(100), limits.Current())
}
