package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/pscheid92/feedpulse/internal/platform/correlation"
	"golang.org/x/sync/semaphore"
)

const (
	defaultQueueSize   = 1024
	defaultConcurrency = 64
	defaultSendTimeout = 2 * time.Second
	stopTimeout        = 10 * time.Second
)

// RouterOptions tunes the Router. Zero values fall back to defaults.
type RouterOptions struct {
	QueueSize   int
	Concurrency int
	SendTimeout time.Duration
}

// outboundFrame is the wire shape pushed to clients.
type outboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type queuedEvent struct {
	correlationID string
	event         domain.Event
}

// lane serializes pushes to one connection. tail is closed when the most
// recently scheduled push has finished.
type lane struct {
	tail    chan struct{}
	evicted atomic.Bool
}

// Router resolves events against the Registry and pushes them to the
// resolved connections. Deliver only enqueues; a single dispatch goroutine
// drains the queue in order and schedules one push per recipient. Pushes to
// the same connection are chained on its lane, so per-connection order equals
// enqueue order while a stuck connection only delays its own lane.
type Router struct {
	registry    *Registry
	clock       clockwork.Clock
	queue       chan queuedEvent
	stopCh      chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	sendTimeout time.Duration
	sends       *semaphore.Weighted
	metrics     *metrics.RealtimeMetrics

	lanesMu sync.Mutex
	lanes   map[uuid.UUID]*lane
	pushes  sync.WaitGroup
}

// NewRouter creates a router and starts its dispatch goroutine. m may be nil.
func NewRouter(registry *Registry, clock clockwork.Clock, opts RouterOptions, m *metrics.RealtimeMetrics) *Router {
	r := newRouter(registry, clock, opts, m)
	go r.run()
	return r
}

func newRouter(registry *Registry, clock clockwork.Clock, opts RouterOptions, m *metrics.RealtimeMetrics) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	return &Router{
		registry:    registry,
		clock:       clock,
		queue:       make(chan queuedEvent, opts.QueueSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		sendTimeout: opts.SendTimeout,
		sends:       semaphore.NewWeighted(int64(opts.Concurrency)),
		metrics:     m,
		lanes:       make(map[uuid.UUID]*lane),
	}
}

// Deliver enqueues event for dispatch and returns immediately. Invalid
// targets, a full queue and a stopped router drop the event with a log line.
func (r *Router) Deliver(ctx context.Context, event domain.Event) {
	if err := event.Target.Validate(); err != nil {
		slog.WarnContext(ctx, "Dropping event with invalid target", "event_type", event.Type, "error", err)
		r.recordDrop()
		return
	}

	queued := queuedEvent{event: event}
	if id, ok := correlation.ID(ctx); ok {
		queued.correlationID = id
	}

	select {
	case <-r.stopCh:
		slog.WarnContext(ctx, "Router stopped, dropping event", "event_type", event.Type)
		r.recordDrop()
		return
	default:
	}

	select {
	case r.queue <- queued:
	default:
		slog.WarnContext(ctx, "Delivery queue full, dropping event",
			"event_type", event.Type,
			"target", event.Target.String(),
			"capacity", cap(r.queue),
		)
		r.recordDrop()
	}
}

// Stop finishes dispatching queued events, waits for their pushes and stops
// the dispatch goroutine. Blocks until done or the stop timeout is reached.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	timeout := r.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
		slog.Info("Router stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Router stop timeout exceeded", "timeout", stopTimeout, "pending_events", len(r.queue))
	}
}

// Pending returns the number of queued, not yet dispatched events.
func (r *Router) Pending() int {
	return len(r.queue)
}

func (r *Router) run() {
	defer close(r.done)

	for {
		select {
		case q := <-r.queue:
			r.dispatch(q)
		case <-r.stopCh:
			r.drain()
			r.pushes.Wait()
			return
		}
	}
}

func (r *Router) drain() {
	for {
		select {
		case q := <-r.queue:
			r.dispatch(q)
		default:
			return
		}
	}
}

func (r *Router) dispatch(q queuedEvent) {
	start := r.clock.Now()
	event := q.event

	ctx := context.Background()
	if q.correlationID != "" {
		ctx = correlation.WithID(ctx, q.correlationID)
	}

	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(len(r.queue)))
		r.metrics.EventsTotal.WithLabelValues(event.Type, string(event.Target.Kind)).Inc()
		defer func() { r.metrics.DispatchDuration.Observe(r.clock.Since(start).Seconds()) }()
	}

	recipients := r.registry.Resolve(event.Target)
	if len(recipients) == 0 {
		slog.InfoContext(ctx, "No live recipients for event", "event_type", event.Type, "target", event.Target.String())
		if r.metrics != nil {
			r.metrics.NoRecipientTotal.WithLabelValues(string(event.Target.Kind)).Inc()
		}
		return
	}

	frame, err := encodeFrame(event)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode event frame", "event_type", event.Type, "error", err)
		return
	}

	for _, rcpt := range recipients {
		r.schedule(ctx, rcpt, event.Type, frame)
	}

	slog.DebugContext(ctx, "Event dispatched",
		"event_type", event.Type,
		"target", event.Target.String(),
		"recipients", len(recipients),
	)
}

// schedule appends a push to the recipient's lane without waiting for it.
func (r *Router) schedule(ctx context.Context, rcpt Recipient, eventType string, frame []byte) {
	done := make(chan struct{})

	r.lanesMu.Lock()
	l, ok := r.lanes[rcpt.ID]
	if !ok {
		l = &lane{}
		r.lanes[rcpt.ID] = l
	}
	prev := l.tail
	l.tail = done
	r.lanesMu.Unlock()

	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()
		defer r.release(rcpt.ID, l, done)

		if prev != nil {
			<-prev
		}
		if l.evicted.Load() {
			return
		}
		if err := r.sends.Acquire(ctx, 1); err != nil {
			return
		}
		defer r.sends.Release(1)

		if !r.push(ctx, rcpt, eventType, frame) {
			l.evicted.Store(true)
		}
	}()
}

// release closes this push's slot and drops the lane once nothing follows it.
func (r *Router) release(id uuid.UUID, l *lane, done chan struct{}) {
	close(done)

	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()
	if l.tail == done && r.lanes[id] == l {
		delete(r.lanes, id)
	}
}

// push sends frame to one connection and reports whether the connection is
// still usable. Failures stay local to that connection.
func (r *Router) push(ctx context.Context, rcpt Recipient, eventType string, frame []byte) bool {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	err := rcpt.Sender.Send(sendCtx, frame)
	if err == nil {
		r.recordPush(metrics.OutcomeDelivered)
		return true
	}

	attrs := []any{"connection_id", rcpt.ID.String(), "event_type", eventType, "error", err}
	switch {
	case errors.Is(err, domain.ErrConnectionClosed):
		slog.WarnContext(ctx, "Connection gone during push", attrs...)
		r.recordPush(metrics.OutcomeClosed)
	case errors.Is(err, domain.ErrSlowConnection):
		slog.WarnContext(ctx, "Outbound buffer full, evicting connection", attrs...)
		r.recordPush(metrics.OutcomeSlow)
		rcpt.Sender.Close("slow consumer")
	case errors.Is(err, context.DeadlineExceeded):
		slog.WarnContext(ctx, "Push timed out, evicting connection", attrs...)
		r.recordPush(metrics.OutcomeTimeout)
		rcpt.Sender.Close("slow consumer")
	default:
		slog.WarnContext(ctx, "Push failed, evicting connection", attrs...)
		r.recordPush(metrics.OutcomeFailed)
		rcpt.Sender.Close("delivery failure")
	}
	r.registry.Remove(rcpt.ID)
	return false
}

func (r *Router) recordPush(outcome string) {
	if r.metrics != nil {
		r.metrics.PushesTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Router) recordDrop() {
	if r.metrics != nil {
		r.metrics.EventsDropped.Inc()
	}
}

func encodeFrame(event domain.Event) ([]byte, error) {
	data := event.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(outboundFrame{Type: event.Type, Data: data})
}
