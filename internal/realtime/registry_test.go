package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recipientIDs(rs []Recipient) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestRegistry_RegisterIsUnbound(t *testing.T) {
	reg := NewRegistry(nil)
	id := reg.Register(newFakeSender())

	_, bound := reg.BoundUser(id)
	assert.False(t, bound)
	assert.Equal(t, []uuid.UUID{id}, reg.AllConnections())
	assert.Empty(t, reg.Subscriptions(id))
}

func TestRegistry_MultipleConnectionsPerUser(t *testing.T) {
	reg := NewRegistry(nil)
	c1 := reg.Register(newFakeSender())
	c2 := reg.Register(newFakeSender())
	c3 := reg.Register(newFakeSender())

	reg.Bind(c1, "A")
	reg.Bind(c2, "A")
	reg.Bind(c3, "B")

	assert.ElementsMatch(t, []uuid.UUID{c1, c2}, reg.FindByUser("A"))
	assert.ElementsMatch(t, []uuid.UUID{c3}, reg.FindByUser("B"))
	assert.Empty(t, reg.FindByUser("nobody"))
}

func TestRegistry_RebindIsExclusivePerConnection(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())
	other := reg.Register(newFakeSender())

	reg.Bind(c, "u")
	reg.Bind(other, "u")
	reg.Bind(c, "v")

	assert.Equal(t, []uuid.UUID{other}, reg.FindByUser("u"), "other connection of u must be untouched")
	assert.Equal(t, []uuid.UUID{c}, reg.FindByUser("v"))

	user, ok := reg.BoundUser(c)
	require.True(t, ok)
	assert.Equal(t, "v", user)
}

func TestRegistry_BindIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())

	reg.Bind(c, "u")
	reg.Bind(c, "u")

	assert.Equal(t, []uuid.UUID{c}, reg.FindByUser("u"))
	assert.Equal(t, 1, reg.Stats().BoundUsers)
}

func TestRegistry_Unbind(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())

	reg.Unbind(c) // no-op while unbound
	reg.Bind(c, "u")
	reg.Unbind(c)
	reg.Unbind(c)

	assert.Empty(t, reg.FindByUser("u"))
	assert.Equal(t, []uuid.UUID{c}, reg.AllConnections(), "unbind must keep the connection")
	assert.Equal(t, 0, reg.Stats().BoundUsers)
}

func TestRegistry_BindEmptyUserUnbinds(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())

	reg.Bind(c, "u")
	reg.Bind(c, "")

	_, ok := reg.BoundUser(c)
	assert.False(t, ok)
	assert.Empty(t, reg.FindByUser("u"))
}

func TestRegistry_OperationsOnRemovedHandleAreNoOps(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())
	reg.Remove(c)

	assert.NotPanics(t, func() {
		reg.Bind(c, "u")
		reg.Unbind(c)
		reg.Subscribe(c, "t")
		reg.Unsubscribe(c, "t")
		reg.Remove(c)
	})

	assert.Empty(t, reg.FindByUser("u"))
	assert.Empty(t, reg.AllConnections())
	assert.Equal(t, Stats{}, reg.Stats())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())
	reg.Bind(c, "u")
	reg.Subscribe(c, "t")

	reg.Remove(c)
	reg.Remove(c)

	assert.Empty(t, reg.AllConnections())
	assert.Empty(t, reg.FindByUser("u"))
	assert.Empty(t, reg.Resolve(domain.ToTopic("t")))
}

func TestRegistry_SubscribeAndUnsubscribe(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())

	reg.Subscribe(c, "watching:42")
	reg.Subscribe(c, "watching:42")
	reg.Subscribe(c, "post:1")
	reg.Subscribe(c, "")

	assert.ElementsMatch(t, []string{"watching:42", "post:1"}, reg.Subscriptions(c))
	assert.Equal(t, 2, reg.Stats().Topics)

	reg.Unsubscribe(c, "watching:42")
	reg.Unsubscribe(c, "watching:42")
	reg.Unsubscribe(c, "never-joined")

	assert.Equal(t, []string{"post:1"}, reg.Subscriptions(c))
	assert.Equal(t, 1, reg.Stats().Topics, "topic must be collected with its last subscriber")
}

func TestRegistry_TopicCollectedOnRemove(t *testing.T) {
	reg := NewRegistry(nil)
	c1 := reg.Register(newFakeSender())
	c2 := reg.Register(newFakeSender())
	reg.Subscribe(c1, "t")
	reg.Subscribe(c2, "t")

	reg.Remove(c1)
	assert.Equal(t, 1, reg.Stats().Topics)

	reg.Remove(c2)
	assert.Equal(t, 0, reg.Stats().Topics)
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry(nil)
	a1 := reg.Register(newFakeSender())
	a2 := reg.Register(newFakeSender())
	b := reg.Register(newFakeSender())
	anon := reg.Register(newFakeSender())

	reg.Bind(a1, "A")
	reg.Bind(a2, "A")
	reg.Bind(b, "B")
	reg.Subscribe(a1, "t")
	reg.Subscribe(b, "t")
	reg.Subscribe(anon, "t")

	tests := []struct {
		name   string
		target domain.Target
		want   []uuid.UUID
	}{
		{"to user", domain.ToUser("A"), []uuid.UUID{a1, a2}},
		{"to absent user", domain.ToUser("Z"), []uuid.UUID{}},
		{"to topic", domain.ToTopic("t"), []uuid.UUID{a1, b, anon}},
		{"to empty topic", domain.ToTopic("none"), []uuid.UUID{}},
		{"broadcast", domain.Broadcast(""), []uuid.UUID{a1, a2, b, anon}},
		{"broadcast excluding A", domain.Broadcast("A"), []uuid.UUID{b, anon}},
		{"broadcast excluding unknown", domain.Broadcast("Z"), []uuid.UUID{a1, a2, b, anon}},
		{"broadcast to topic excluding A", domain.BroadcastToTopic("t", "A"), []uuid.UUID{b, anon}},
		{"broadcast to topic", domain.BroadcastToTopic("t", ""), []uuid.UUID{a1, b, anon}},
		{"invalid kind", domain.Target{Kind: "bogus"}, []uuid.UUID{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, recipientIDs(reg.Resolve(tt.target)))
		})
	}
}

func TestRegistry_RemoveDuringConcurrentBindAndSubscribe(t *testing.T) {
	reg := NewRegistry(nil)

	const n = 200
	ids := make([]uuid.UUID, n)
	for i := range n {
		ids[i] = reg.Register(newFakeSender())
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		user := fmt.Sprintf("user-%d", i%7)
		wg.Add(3)
		go func() {
			defer wg.Done()
			reg.Bind(id, user)
		}()
		go func() {
			defer wg.Done()
			reg.Subscribe(id, "t")
		}()
		go func() {
			defer wg.Done()
			reg.Remove(id)
		}()
	}
	wg.Wait()

	// Late calls after removal completed must not resurrect the handle.
	for _, id := range ids {
		reg.Bind(id, "late")
		reg.Subscribe(id, "late")
	}

	assert.Empty(t, reg.AllConnections())
	assert.Empty(t, reg.FindByUser("late"))
	assert.Empty(t, reg.Resolve(domain.ToTopic("t")))
	assert.Empty(t, reg.Resolve(domain.Broadcast("")))
	assert.Equal(t, Stats{}, reg.Stats())
}

func TestRegistry_ConcurrentReadersSeeConsistentIndices(t *testing.T) {
	reg := NewRegistry(nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Resolve panics on a forward/reverse mismatch.
			reg.Resolve(domain.ToUser("A"))
			reg.Resolve(domain.BroadcastToTopic("t", "A"))
		}
	}()

	for range 500 {
		id := reg.Register(newFakeSender())
		reg.Bind(id, "A")
		reg.Subscribe(id, "t")
		reg.Remove(id)
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, reg.FindByUser("A"))
}

func TestRegistry_CorruptedIndexPanics(t *testing.T) {
	reg := NewRegistry(nil)
	c := reg.Register(newFakeSender())
	reg.Bind(c, "u")

	// Simulate corruption: drop the reverse entry behind the registry's back.
	reg.mu.Lock()
	delete(reg.users, "u")
	reg.mu.Unlock()

	assert.Panics(t, func() { reg.Remove(c) })
}

func TestRegistry_UpdatesGauges(t *testing.T) {
	m := metrics.NewRealtimeMetrics(prometheus.NewRegistry())
	reg := NewRegistry(m)

	c1 := reg.Register(newFakeSender())
	c2 := reg.Register(newFakeSender())
	reg.Bind(c1, "A")
	reg.Subscribe(c2, "t")

	assert.InDelta(t, 2, testutil.ToFloat64(m.ActiveConnections), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BoundUsers), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Topics), 0)

	reg.Remove(c1)
	reg.Remove(c2)

	assert.InDelta(t, 0, testutil.ToFloat64(m.ActiveConnections), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.BoundUsers), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.Topics), 0)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "watching:42", WatchTopic("42"))
	assert.Equal(t, "post:p1", PostTopic("p1"))
}
