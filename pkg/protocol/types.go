package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of real-time message crossing the wire.
// The enumeration is closed: every payload either maps onto one of
// these values or is rejected at the boundary.
type Type string

// Control types.
const (
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeSubscribed  Type = "subscribed"
	TypeError       Type = "error"
)

// Domain types.
const (
	TypeGameUpdate     Type = "game:update"
	TypeGameState      Type = "game:state"
	TypeUserTyping     Type = "user:typing"
	TypeFriendActivity Type = "friend:activity"
	TypeNotification   Type = "notification"
	TypeQueueStatus    Type = "queue:status"
)

// Well-known channels. Control traffic rides on ChannelSystem, plain
// user-to-user traffic on ChannelDefault; scoped broadcast uses the
// GameChannel/ConversationChannel/QueueChannel helpers.
const (
	ChannelSystem  = "system"
	ChannelDefault = "default"
)

// GameChannel returns the broadcast channel for one game.
func GameChannel(gameID string) string { return "game:" + gameID }

// ConversationChannel returns the typing-indicator channel for one conversation.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// QueueChannel returns the status channel for one download queue.
func QueueChannel(queueID string) string { return "queue:" + queueID }

// Metadata carries optional per-message context.
type Metadata struct {
	Version       string `json:"version,omitempty"`
	UserID        string `json:"userId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Envelope is the canonical wrapper for all real-time traffic, both
// directions. Data is an open schema whose shape is determined by Type.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Channel   string                 `json:"channel"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  *Metadata              `json:"metadata,omitempty"`
}

// New builds an envelope with a fresh ID and the current time.
func New(t Type, channel string, data map[string]interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewError builds the error envelope sent back to an offending
// connection. The message is user-facing; code is machine-readable.
func NewError(code, message string) *Envelope {
	return New(TypeError, ChannelSystem, map[string]interface{}{
		"code":    code,
		"message": message,
	})
}

var validTypes = map[Type]bool{
	TypePing:           true,
	TypePong:           true,
	TypeSubscribe:      true,
	TypeUnsubscribe:    true,
	TypeSubscribed:     true,
	TypeError:          true,
	TypeGameUpdate:     true,
	TypeGameState:      true,
	TypeUserTyping:     true,
	TypeFriendActivity: true,
	TypeNotification:   true,
	TypeQueueStatus:    true,
}

// IsValidType reports whether t belongs to the closed enumeration.
func IsValidType(t Type) bool { return validTypes[t] }

// Validate checks the envelope invariants before it crosses the wire.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if !IsValidType(e.Type) {
		return ErrInvalidType
	}
	if e.Channel == "" {
		return ErrMissingChannel
	}
	return nil
}
