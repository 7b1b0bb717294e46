package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"user", ToUser("42"), false},
		{"user without id", Target{Kind: TargetUser}, true},
		{"topic", ToTopic("watching:42"), false},
		{"topic without name", Target{Kind: TargetTopic}, true},
		{"broadcast", Broadcast(""), false},
		{"broadcast excluding", Broadcast("42"), false},
		{"broadcast to topic", BroadcastToTopic("post:1", "42"), false},
		{"broadcast to topic without name", BroadcastToTopic("", "42"), true},
		{"unknown kind", Target{Kind: "everyone"}, true},
		{"zero value", Target{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTarget))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "user:42", ToUser("42").String())
	assert.Equal(t, "topic:watching:42", ToTopic("watching:42").String())
	assert.Equal(t, "broadcast", Broadcast("42").String())
	assert.Equal(t, "broadcast_topic:post:1", BroadcastToTopic("post:1", "").String())
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventPostCreated, map[string]string{"_id": "p1"}, Broadcast(""))
	require.NoError(t, err)

	assert.Equal(t, "post-added", ev.Type)
	assert.JSONEq(t, `{"_id":"p1"}`, string(ev.Payload))
	assert.Equal(t, TargetBroadcast, ev.Target.Kind)
}

func TestNewEvent_UnmarshalablePayload(t *testing.T) {
	_, err := NewEvent(EventPostCreated, make(chan int), Broadcast(""))
	assert.Error(t, err)
}
