package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/pscheid92/feedpulse/internal/platform/logging"
	"github.com/pscheid92/feedpulse/internal/realtime"
)

// Inbound frame types sent by clients.
const (
	msgSetUser    = "set-user-socket"
	msgUnsetUser  = "unset-user-socket"
	msgWatchUser  = "user-watch"
	msgUnwatch    = "user-unwatch"
	msgTopicJoin  = "topic-join"
	msgTopicLeave = "topic-leave"
	msgPostAdded  = "post-added"
	msgPostUpdate = "post-updated"
	msgChatSend   = "chat-send-msg"
)

var errMalformedFrame = errors.New("malformed frame")

// ConnectionRegistry is the part of the realtime registry the transport uses.
type ConnectionRegistry interface {
	Register(sender realtime.Sender) uuid.UUID
	Bind(id uuid.UUID, userID string)
	Unbind(id uuid.UUID)
	Subscribe(id uuid.UUID, topic string)
	Unsubscribe(id uuid.UUID, topic string)
	Remove(id uuid.UUID)
	BoundUser(id uuid.UUID) (string, bool)
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type chatMessage struct {
	From json.RawMessage `json:"from"`
	To   json.RawMessage `json:"to"`
}

// session applies inbound frames of one connection.
type session struct {
	id        uuid.UUID
	registry  ConnectionRegistry
	deliverer domain.Deliverer

	// connLogger carries the connection id; logger adds the bound user.
	connLogger *slog.Logger
	logger     *slog.Logger
}

func newSession(id uuid.UUID, registry ConnectionRegistry, deliverer domain.Deliverer, logger *slog.Logger) *session {
	return &session{id: id, registry: registry, deliverer: deliverer, connLogger: logger, logger: logger}
}

// handle applies one raw frame and returns its type for metrics. Errors wrap
// errMalformedFrame or domain.ErrUnknownMessage.
func (s *session) handle(ctx context.Context, raw []byte) (string, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", fmt.Errorf("%w: %w", errMalformedFrame, err)
	}
	if frame.Type == "" {
		return "", fmt.Errorf("%w: missing type", errMalformedFrame)
	}

	switch frame.Type {
	case msgSetUser:
		userID, err := decodeID(frame.Data)
		if err != nil {
			return frame.Type, err
		}
		s.registry.Bind(s.id, userID)
		s.logger = logging.WithUser(s.connLogger, userID)
		s.logger.InfoContext(ctx, "Connection bound to user")

	case msgUnsetUser:
		s.registry.Unbind(s.id)
		s.logger.InfoContext(ctx, "Connection unbound")
		s.logger = s.connLogger

	case msgWatchUser, msgUnwatch:
		userID, err := decodeID(frame.Data)
		if err != nil {
			return frame.Type, err
		}
		s.subscription(ctx, frame.Type == msgWatchUser, realtime.WatchTopic(userID))

	case msgTopicJoin, msgTopicLeave:
		topic, err := decodeID(frame.Data)
		if err != nil {
			return frame.Type, err
		}
		s.subscription(ctx, frame.Type == msgTopicJoin, topic)

	case msgPostAdded:
		s.deliverer.Deliver(ctx, domain.Event{Type: domain.EventPostCreated, Payload: frame.Data, Target: domain.Broadcast("")})

	case msgPostUpdate:
		// Other tabs of the same user already applied the change locally.
		sender, _ := s.registry.BoundUser(s.id)
		s.deliverer.Deliver(ctx, domain.Event{Type: domain.EventPostUpdated, Payload: frame.Data, Target: domain.Broadcast(sender)})

	case msgChatSend:
		if err := s.chat(ctx, frame.Data); err != nil {
			return frame.Type, err
		}

	default:
		return frame.Type, fmt.Errorf("%w: %q", domain.ErrUnknownMessage, frame.Type)
	}

	return frame.Type, nil
}

func (s *session) subscription(ctx context.Context, join bool, topic string) {
	if join {
		s.registry.Subscribe(s.id, topic)
		s.logger.DebugContext(ctx, "Joined topic", "topic", topic)
		return
	}
	s.registry.Unsubscribe(s.id, topic)
	s.logger.DebugContext(ctx, "Left topic", "topic", topic)
}

// chat relays a message to the recipient and echoes it to the sender's
// connections. A missing sender falls back to the bound user.
func (s *session) chat(ctx context.Context, data json.RawMessage) error {
	var msg chatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: chat message: %w", errMalformedFrame, err)
	}

	to, err := decodeID(msg.To)
	if err != nil {
		return fmt.Errorf("chat recipient: %w", err)
	}
	from, err := decodeID(msg.From)
	if err != nil {
		from, _ = s.registry.BoundUser(s.id)
	}

	s.deliverer.Deliver(ctx, domain.Event{Type: domain.EventMessageSent, Payload: data, Target: domain.ToUser(to)})
	if from != "" && from != to {
		s.deliverer.Deliver(ctx, domain.Event{Type: domain.EventMessageSent, Payload: data, Target: domain.ToUser(from)})
	}
	return nil
}

// decodeID accepts a JSON string or number and returns it as a string.
func decodeID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", errMalformedFrame)
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("%w: %w", errMalformedFrame, err)
		}
		if s == "" {
			return "", fmt.Errorf("%w: empty id", errMalformedFrame)
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("%w: id must be a string or number", errMalformedFrame)
	}
	return n.String(), nil
}
