package domain

import (
	"encoding/json"
	"fmt"
)

// Event type tags raised by the write paths.
const (
	EventMessageSent    = "chat-add-msg"
	EventPostCreated    = "post-added"
	EventPostUpdated    = "post-updated"
	EventCommentAdded   = "comment-added"
	EventCommentRemoved = "comment-removed"
	EventUserUpdated    = "user-updated"
)

// TargetKind is the addressing mode of an event.
type TargetKind string

const (
	TargetUser           TargetKind = "user"
	TargetTopic          TargetKind = "topic"
	TargetBroadcast      TargetKind = "broadcast"
	TargetBroadcastTopic TargetKind = "broadcast_topic"
)

// Target selects the connections an event is delivered to.
type Target struct {
	Kind          TargetKind `json:"kind"`
	UserID        string     `json:"user_id,omitempty"`
	Topic         string     `json:"topic,omitempty"`
	ExcludeUserID string     `json:"exclude_user_id,omitempty"`
}

// ToUser addresses every connection bound to userID.
func ToUser(userID string) Target {
	return Target{Kind: TargetUser, UserID: userID}
}

// ToTopic addresses every connection subscribed to topic.
func ToTopic(topic string) Target {
	return Target{Kind: TargetTopic, Topic: topic}
}

// Broadcast addresses every connection. A non-empty excludeUserID skips all
// connections bound to that user.
func Broadcast(excludeUserID string) Target {
	return Target{Kind: TargetBroadcast, ExcludeUserID: excludeUserID}
}

// BroadcastToTopic addresses every subscriber of topic except the
// connections bound to excludeUserID.
func BroadcastToTopic(topic, excludeUserID string) Target {
	return Target{Kind: TargetBroadcastTopic, Topic: topic, ExcludeUserID: excludeUserID}
}

// Validate reports whether the target carries the fields its kind requires.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetUser:
		if t.UserID == "" {
			return fmt.Errorf("%w: user target without user id", ErrInvalidTarget)
		}
	case TargetTopic, TargetBroadcastTopic:
		if t.Topic == "" {
			return fmt.Errorf("%w: %s target without topic", ErrInvalidTarget, t.Kind)
		}
	case TargetBroadcast:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, t.Kind)
	}
	return nil
}

func (t Target) String() string {
	switch t.Kind {
	case TargetUser:
		return "user:" + t.UserID
	case TargetTopic:
		return "topic:" + t.Topic
	case TargetBroadcastTopic:
		return "broadcast_topic:" + t.Topic
	default:
		return string(t.Kind)
	}
}

// Event is an immutable delivery request. Type and Payload are passed
// through to clients verbatim.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Target  Target          `json:"target"`
}

// NewEvent marshals payload and builds an event for target.
func NewEvent(eventType string, payload any, target Target) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: data, Target: target}, nil
}
