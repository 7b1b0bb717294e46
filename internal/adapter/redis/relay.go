package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/feedpulse/internal/adapter/metrics"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/pscheid92/feedpulse/internal/platform/correlation"
	goredis "github.com/redis/go-redis/v9"
)

const (
	relayQueueSize      = 1024
	relayPublishTimeout = 2 * time.Second
	relayStopGrace      = 3 * time.Second
)

// Relay outcomes recorded in RedisMetrics.RelayTotal.
const (
	directionPublish = "publish"
	directionReceive = "receive"

	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeFallback = "fallback"
	outcomeInvalid  = "invalid"
)

// envelope is the message published on the relay channel.
type envelope struct {
	Origin        string       `json:"origin"`
	Seq           uint64       `json:"seq"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Event         domain.Event `json:"event"`
}

// Relay fans events out to every instance over Redis pub/sub. Each instance,
// including the publishing one, hands received events to its local deliverer.
// When Redis is unavailable events are delivered locally only.
type Relay struct {
	rdb      *goredis.Client
	channel  string
	local    domain.Deliverer
	origin   string
	queue    chan envelope
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	pubsub   *goredis.PubSub
	metrics  *metrics.RedisMetrics

	// seq numbers this instance's envelopes. published is the last one
	// Redis accepted, echoed the last one that came back on the channel.
	seq       uint64
	published atomic.Uint64
	echoed    atomic.Uint64
	echo      chan struct{}
	stopGrace time.Duration
}

var _ domain.Deliverer = (*Relay)(nil)

// NewRelay creates a relay publishing on channel. m may be nil.
func NewRelay(rdb *goredis.Client, channel string, local domain.Deliverer, m *metrics.RedisMetrics) *Relay {
	return &Relay{
		rdb:     rdb,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		queue:   make(chan envelope, relayQueueSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		metrics: m,

		echo:      make(chan struct{}, 1),
		stopGrace: relayStopGrace,
	}
}

// Start subscribes to the relay channel and starts the publisher. It returns
// once the subscription is confirmed by Redis.
func (r *Relay) Start(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.pubsub = pubsub

	go r.receive(pubsub.Channel())
	go r.publish()

	slog.Info("Redis relay started", "channel", r.channel, "origin", r.origin)
	return nil
}

// Deliver queues event for publishing and returns immediately.
func (r *Relay) Deliver(ctx context.Context, event domain.Event) {
	if err := event.Target.Validate(); err != nil {
		// The local router logs and counts the drop.
		r.local.Deliver(ctx, event)
		return
	}

	env := envelope{Origin: r.origin, Event: event}
	if id, ok := correlation.ID(ctx); ok {
		env.CorrelationID = id
	}

	select {
	case <-r.stopCh:
		r.fallback(ctx, env, "relay stopped")
		return
	default:
	}

	select {
	case r.queue <- env:
	default:
		r.fallback(ctx, env, "relay queue full")
	}
}

// Stop publishes what is queued and waits, up to a grace period, for those
// events to come back to this instance before closing the subscription.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.pubsub == nil {
			// Never started: hand queued events to the local deliverer.
			r.drainLocally("relay not started")
			close(r.done)
			return
		}
		<-r.done
		r.awaitEcho()
		_ = r.pubsub.Close()
		// Deliver calls that raced the stop signal.
		r.drainLocally("relay stopped")
	})
}

func (r *Relay) drainLocally(reason string) {
	for {
		select {
		case env := <-r.queue:
			r.fallback(envelopeContext(env), env, reason)
		default:
			return
		}
	}
}

// awaitEcho blocks until every envelope Redis accepted from this instance has
// been received back, or the stop grace period ends.
func (r *Relay) awaitEcho() {
	want := r.published.Load()
	timer := time.NewTimer(r.stopGrace)
	defer timer.Stop()

	for r.echoed.Load() < want {
		select {
		case <-r.echo:
		case <-timer.C:
			slog.Warn("Relay subscription closed before own events returned",
				"channel", r.channel,
				"published", want,
				"received", r.echoed.Load(),
			)
			return
		}
	}
}

func (r *Relay) publish() {
	defer close(r.done)

	for {
		select {
		case env := <-r.queue:
			r.publishOne(env)
		case <-r.stopCh:
			for {
				select {
				case env := <-r.queue:
					r.publishOne(env)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) publishOne(env envelope) {
	ctx := envelopeContext(env)
	r.seq++
	env.Seq = r.seq

	data, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode relay envelope", "event_type", env.Event.Type, "error", err)
		r.record(directionPublish, outcomeError)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()

	if err := r.rdb.Publish(pubCtx, r.channel, data).Err(); err != nil {
		r.fallback(ctx, env, err.Error())
		return
	}
	r.published.Store(env.Seq)
	r.record(directionPublish, outcomeOK)
}

// fallback delivers on this instance only.
func (r *Relay) fallback(ctx context.Context, env envelope, reason string) {
	slog.WarnContext(ctx, "Relay unavailable, delivering locally",
		"event_type", env.Event.Type,
		"target", env.Event.Target.String(),
		"reason", reason,
	)
	r.record(directionPublish, outcomeFallback)
	r.local.Deliver(ctx, env.Event)
}

func (r *Relay) receive(ch <-chan *goredis.Message) {
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("Dropping malformed relay message", "channel", msg.Channel, "error", err)
			r.record(directionReceive, outcomeInvalid)
			continue
		}

		ctx := envelopeContext(env)
		slog.DebugContext(ctx, "Relay event received",
			"event_type", env.Event.Type,
			"origin", env.Origin,
			"local", env.Origin == r.origin,
		)
		r.record(directionReceive, outcomeOK)
		r.local.Deliver(ctx, env.Event)

		if env.Origin == r.origin {
			r.echoed.Store(env.Seq)
			select {
			case r.echo <- struct{}{}:
			default:
			}
		}
	}
}

func (r *Relay) record(direction, outcome string) {
	if r.metrics != nil {
		r.metrics.RelayTotal.WithLabelValues(direction, outcome).Inc()
	}
}

func envelopeContext(env envelope) context.Context {
	if env.CorrelationID == "" {
		return context.Background()
	}
	return correlation.WithID(context.Background(), env.CorrelationID)
}
