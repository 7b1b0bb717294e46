package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/domain"
)

// Sender pushes an encoded frame to one live connection.
type Sender interface {
	// Send must return within ctx's deadline and should not wait on a slow peer.
	// It returns domain.ErrConnectionClosed when the connection is gone,
	// domain.ErrSlowConnection when the peer cannot take the frame now, and
	// ctx's error when the deadline expires first.
	Send(ctx context.Context, frame []byte) error
	// Close tears the connection down without blocking the caller.
	Close(reason string)
}

// connState is the per-connection registry value.
type connState struct {
	sender Sender
	user   string
	topics map[string]struct{}
}

type connSet map[uuid.UUID]struct{}

// Recipient is a resolved delivery destination.
type Recipient struct {
	ID     uuid.UUID
	Sender Sender
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Connections int `json:"connections"`
	BoundUsers  int `json:"bound_users"`
	Topics      int `json:"topics"`
}

// Registry tracks live connections, the user each one is bound to, and the
// topics each one joined. All indices are updated under mu so a reader never
// sees a connection in one index but not another.
type Registry struct {
	mu      sync.RWMutex
	conns   map[uuid.UUID]connState
	users   map[string]connSet
	topics  map[string]connSet
	metrics *metrics.RealtimeMetrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.RealtimeMetrics) *Registry {
	return &Registry{
		conns:   make(map[uuid.UUID]connState),
		users:   make(map[string]connSet),
		topics:  make(map[string]connSet),
		metrics: m,
	}
}

// Register adds an unbound connection and returns its handle.
func (r *Registry) Register(sender Sender) uuid.UUID {
	id := uuid.New()

	r.mu.Lock()
	r.conns[id] = connState{sender: sender, topics: make(map[string]struct{})}
	r.updateGaugesLocked()
	r.mu.Unlock()

	slog.Debug("Connection registered", "connection_id", id.String())
	return id
}

// Bind associates the connection with userID, replacing any previous binding
// of this connection only. Binding a removed connection is a no-op.
// An empty userID is treated as Unbind.
func (r *Registry) Bind(id uuid.UUID, userID string) {
	if userID == "" {
		r.Unbind(id)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[id]
	if !ok {
		slog.Debug("Bind on removed connection ignored", "connection_id", id.String(), "user_id", userID)
		return
	}
	if state.user == userID {
		return
	}
	if state.user != "" {
		r.detachLocked(r.users, state.user, id)
	}

	state.user = userID
	r.conns[id] = state
	r.attachLocked(r.users, userID, id)
	r.updateGaugesLocked()

	slog.Debug("Connection bound", "connection_id", id.String(), "user_id", userID)
}

// Unbind clears the connection's user without removing the connection.
func (r *Registry) Unbind(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[id]
	if !ok || state.user == "" {
		return
	}

	r.detachLocked(r.users, state.user, id)
	previous := state.user
	state.user = ""
	r.conns[id] = state
	r.updateGaugesLocked()

	slog.Debug("Connection unbound", "connection_id", id.String(), "user_id", previous)
}

// Subscribe adds topic to the connection's subscriptions. Topics are created
// on first subscribe.
func (r *Registry) Subscribe(id uuid.UUID, topic string) {
	if topic == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[id]
	if !ok {
		return
	}
	if _, joined := state.topics[topic]; joined {
		return
	}

	state.topics[topic] = struct{}{}
	r.attachLocked(r.topics, topic, id)
	r.updateGaugesLocked()

	slog.Debug("Connection subscribed", "connection_id", id.String(), "topic", topic)
}

// Unsubscribe removes topic from the connection's subscriptions. A topic
// disappears with its last subscriber.
func (r *Registry) Unsubscribe(id uuid.UUID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[id]
	if !ok {
		return
	}
	if _, joined := state.topics[topic]; !joined {
		return
	}

	delete(state.topics, topic)
	r.detachLocked(r.topics, topic, id)
	r.updateGaugesLocked()

	slog.Debug("Connection unsubscribed", "connection_id", id.String(), "topic", topic)
}

// Remove deregisters the connection from every index. Removing an unknown
// or already removed connection is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[id]
	if !ok {
		return
	}

	if state.user != "" {
		r.detachLocked(r.users, state.user, id)
	}
	for topic := range state.topics {
		r.detachLocked(r.topics, topic, id)
	}
	delete(r.conns, id)
	r.updateGaugesLocked()

	slog.Debug("Connection removed", "connection_id", id.String(), "user_id", state.user, "topics", len(state.topics))
}

// FindByUser returns the connections currently bound to userID.
func (r *Registry) FindByUser(userID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// AllConnections returns a snapshot of every registered connection.
func (r *Registry) AllConnections() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// BoundUser returns the user the connection is bound to.
func (r *Registry) BoundUser(id uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.conns[id]
	if !ok || state.user == "" {
		return "", false
	}
	return state.user, true
}

// Subscriptions returns the topics the connection has joined.
func (r *Registry) Subscriptions(id uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.conns[id]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(state.topics))
	for topic := range state.topics {
		topics = append(topics, topic)
	}
	return topics
}

// Stats returns index sizes.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{Connections: len(r.conns), BoundUsers: len(r.users), Topics: len(r.topics)}
}

// Resolve returns the recipients selected by target. The exclusion set and
// the candidate set are read under one lock acquisition.
func (r *Registry) Resolve(target domain.Target) []Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var excluded connSet
	if target.ExcludeUserID != "" {
		excluded = r.users[target.ExcludeUserID]
	}

	switch target.Kind {
	case domain.TargetUser:
		return r.recipientsLocked(r.users[target.UserID], nil)
	case domain.TargetTopic:
		return r.recipientsLocked(r.topics[target.Topic], nil)
	case domain.TargetBroadcastTopic:
		return r.recipientsLocked(r.topics[target.Topic], excluded)
	case domain.TargetBroadcast:
		out := make([]Recipient, 0, len(r.conns))
		for id, state := range r.conns {
			if _, skip := excluded[id]; skip {
				continue
			}
			out = append(out, Recipient{ID: id, Sender: state.sender})
		}
		return out
	default:
		return nil
	}
}

func (r *Registry) recipientsLocked(set, excluded connSet) []Recipient {
	out := make([]Recipient, 0, len(set))
	for id := range set {
		if _, skip := excluded[id]; skip {
			continue
		}
		state, ok := r.conns[id]
		if !ok {
			invariantViolation("indexed connection missing from forward index", id)
		}
		out = append(out, Recipient{ID: id, Sender: state.sender})
	}
	return out
}

func (r *Registry) attachLocked(index map[string]connSet, key string, id uuid.UUID) {
	set, ok := index[key]
	if !ok {
		set = make(connSet)
		index[key] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) detachLocked(index map[string]connSet, key string, id uuid.UUID) {
	set := index[key]
	if _, ok := set[id]; !ok {
		invariantViolation(fmt.Sprintf("connection missing from reverse index %q", key), id)
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.ActiveConnections.Set(float64(len(r.conns)))
	r.metrics.BoundUsers.Set(float64(len(r.users)))
	r.metrics.Topics.Set(float64(len(r.topics)))
}

// invariantViolation aborts: continuing with inconsistent indices would
// silently misroute events.
func invariantViolation(msg string, id uuid.UUID) {
	slog.Error("Registry invariant violation", "reason", msg, "connection_id", id.String())
	panic("realtime: registry invariant violation: " + msg)
}
