package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/feedpulse/internal/domain"
	apperrors "github.com/pscheid92/feedpulse/internal/platform/errors"
	"github.com/pscheid92/feedpulse/internal/realtime"
)

// Message is a direct chat message between two users.
type Message struct {
	ID        string    `json:"_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Txt       string    `json:"txt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Comment is a comment on a post.
type Comment struct {
	UserID   string    `json:"userId"`
	Comment  string    `json:"comment"`
	CreateAt time.Time `json:"createAt"`
}

type likePayload struct {
	PostID string `json:"postId"`
	UserID string `json:"userId"`
}

type commentPayload struct {
	PostID  string  `json:"postId"`
	Comment Comment `json:"comment"`
}

type commentRemovedPayload struct {
	PostID  string `json:"postId"`
	UserID  string `json:"userId"`
	Comment string `json:"comment"`
}

// Notifier builds events for the write paths and delivers them.
type Notifier struct {
	deliverer domain.Deliverer
	clock     clockwork.Clock
}

func NewNotifier(deliverer domain.Deliverer, clock clockwork.Clock) *Notifier {
	return &Notifier{deliverer: deliverer, clock: clock}
}

// MessageSent pushes msg to the recipient and to the sender's other sessions.
func (n *Notifier) MessageSent(ctx context.Context, msg Message) error {
	if msg.From == "" || msg.To == "" {
		return apperrors.ValidationError("message requires from and to")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = n.clock.Now().UTC()
	}

	if err := n.send(ctx, domain.EventMessageSent, msg, domain.ToUser(msg.To)); err != nil {
		return err
	}
	if msg.From == msg.To {
		return nil
	}
	return n.send(ctx, domain.EventMessageSent, msg, domain.ToUser(msg.From))
}

// PostCreated announces a new post to everyone, including its author.
func (n *Notifier) PostCreated(ctx context.Context, post json.RawMessage) error {
	if !json.Valid(post) {
		return apperrors.ValidationError("post must be valid JSON")
	}
	n.deliverer.Deliver(ctx, domain.Event{Type: domain.EventPostCreated, Payload: post, Target: domain.Broadcast("")})
	return nil
}

// PostUpdated announces a change made by actorID to everyone but actorID,
// whose clients already applied it.
func (n *Notifier) PostUpdated(ctx context.Context, postID, actorID string, data json.RawMessage) error {
	if postID == "" {
		return apperrors.ValidationError("post id is required")
	}
	if !json.Valid(data) {
		return apperrors.ValidationError("update must be valid JSON")
	}
	n.deliverer.Deliver(ctx, domain.Event{Type: domain.EventPostUpdated, Payload: data, Target: domain.Broadcast(actorID)})
	return nil
}

// LikeToggled is the PostUpdated form used by the like button.
func (n *Notifier) LikeToggled(ctx context.Context, postID, userID string) error {
	if postID == "" || userID == "" {
		return apperrors.ValidationError("post id and user id are required")
	}
	return n.send(ctx, domain.EventPostUpdated, likePayload{PostID: postID, UserID: userID}, domain.Broadcast(userID))
}

// CommentAdded updates feeds of other users and appends the comment for
// everyone viewing the post.
func (n *Notifier) CommentAdded(ctx context.Context, postID string, c Comment) error {
	if postID == "" || c.UserID == "" {
		return apperrors.ValidationError("post id and comment user id are required")
	}
	if c.CreateAt.IsZero() {
		c.CreateAt = n.clock.Now().UTC()
	}

	payload := commentPayload{PostID: postID, Comment: c}
	if err := n.send(ctx, domain.EventPostUpdated, payload, domain.Broadcast(c.UserID)); err != nil {
		return err
	}
	return n.send(ctx, domain.EventCommentAdded, payload, domain.ToTopic(realtime.PostTopic(postID)))
}

// CommentRemoved tells everyone but the remover that a comment is gone.
func (n *Notifier) CommentRemoved(ctx context.Context, postID string, c Comment) error {
	if postID == "" {
		return apperrors.ValidationError("post id is required")
	}
	payload := commentRemovedPayload{PostID: postID, UserID: c.UserID, Comment: c.Comment}
	return n.send(ctx, domain.EventCommentRemoved, payload, domain.Broadcast(c.UserID))
}

// UserUpdated notifies the watchers of userID.
func (n *Notifier) UserUpdated(ctx context.Context, userID string, data json.RawMessage) error {
	if userID == "" {
		return apperrors.ValidationError("user id is required")
	}
	if !json.Valid(data) {
		return apperrors.ValidationError("user must be valid JSON")
	}
	n.deliverer.Deliver(ctx, domain.Event{Type: domain.EventUserUpdated, Payload: data, Target: domain.ToTopic(realtime.WatchTopic(userID))})
	return nil
}

func (n *Notifier) send(ctx context.Context, eventType string, payload any, target domain.Target) error {
	event, err := domain.NewEvent(eventType, payload, target)
	if err != nil {
		return apperrors.InternalError(fmt.Sprintf("failed to build %s event", eventType), err)
	}
	n.deliverer.Deliver(ctx, event)
	return nil
}
