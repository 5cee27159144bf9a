package protocol

import (
	"github.com/goccy/go-json"
)

// Inbound action names accepted by the message router. The client app
// predates the canonical envelope and still speaks {action, data}; the
// adapters below translate between the two without loss.
const (
	ActionPing              = "ping"
	ActionSubscribe         = "subscribe"
	ActionUnsubscribe       = "unsubscribe"
	ActionSendNotification  = "sendNotification"
	ActionBroadcastActivity = "broadcastActivity"
	ActionUpdateGameState   = "updateGameState"
	ActionTyping            = "typing"
)

// ActionMessage is the legacy inbound shape: {"action": ..., "data": {...}}.
type ActionMessage struct {
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

var actionToType = map[string]Type{
	ActionPing:              TypePing,
	ActionSubscribe:         TypeSubscribe,
	ActionUnsubscribe:       TypeUnsubscribe,
	ActionSendNotification:  TypeNotification,
	ActionBroadcastActivity: TypeFriendActivity,
	ActionUpdateGameState:   TypeGameState,
	ActionTyping:            TypeUserTyping,
}

var typeToAction = map[Type]string{
	TypePing:           ActionPing,
	TypeSubscribe:      ActionSubscribe,
	TypeUnsubscribe:    ActionUnsubscribe,
	TypeNotification:   ActionSendNotification,
	TypeFriendActivity: ActionBroadcastActivity,
	TypeGameState:      ActionUpdateGameState,
	TypeUserTyping:     ActionTyping,
}

// ParseAction decodes a raw inbound message body into its action form.
func ParseAction(raw []byte) (*ActionMessage, error) {
	var msg ActionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrBadPayload
	}
	if msg.Action == "" {
		return nil, ErrMissingAction
	}
	return &msg, nil
}

// FromAction converts a legacy action message into the canonical
// envelope. The channel is derived from the action and its data: scoped
// broadcasts land on their game/conversation channel, control actions
// on the system channel, everything else on the default channel.
func FromAction(msg *ActionMessage) (*Envelope, error) {
	t, ok := actionToType[msg.Action]
	if !ok {
		return nil, ErrUnknownAction
	}
	return New(t, channelFor(t, msg.Data), msg.Data), nil
}

// ToAction converts an envelope back to its legacy action form. It is
// the left inverse of FromAction: action and data survive the round
// trip unchanged. Types that never originate from a client action
// (pong, subscribed, error, game:update, queue:status) return
// ErrNotAdaptable.
func ToAction(e *Envelope) (*ActionMessage, error) {
	action, ok := typeToAction[e.Type]
	if !ok {
		return nil, ErrNotAdaptable
	}
	return &ActionMessage{Action: action, Data: e.Data}, nil
}

// channelFor picks the routing channel for a message type, consulting
// the payload for the scoping key when the type is a scoped broadcast.
func channelFor(t Type, data map[string]interface{}) string {
	switch t {
	case TypePing, TypePong, TypeSubscribe, TypeUnsubscribe, TypeSubscribed, TypeError:
		return ChannelSystem
	case TypeGameState, TypeGameUpdate:
		if id, ok := data["gameId"].(string); ok && id != "" {
			return GameChannel(id)
		}
	case TypeUserTyping:
		if id, ok := data["conversationId"].(string); ok && id != "" {
			return ConversationChannel(id)
		}
	case TypeQueueStatus:
		if id, ok := data["queueId"].(string); ok && id != "" {
			return QueueChannel(id)
		}
	}
	return ChannelDefault
}

// typedMessage is the second legacy shape: {"type": ..., "payload": {...}}.
// Some older client builds also used "data" for the payload key.
type typedMessage struct {
	Type    Type                   `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Normalize turns any recognized wire shape into the canonical
// envelope. It attempts, in order: the envelope itself, the
// {action, data} shape, then {type, payload}. Anything else is a
// typed parse error, never a panic.
func Normalize(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrBadPayload
	}
	if env.ID != "" && IsValidType(env.Type) {
		if env.Channel == "" {
			env.Channel = channelFor(env.Type, env.Data)
		}
		return &env, nil
	}

	if msg, err := ParseAction(raw); err == nil {
		return FromAction(msg)
	}

	var tm typedMessage
	if err := json.Unmarshal(raw, &tm); err == nil && IsValidType(tm.Type) {
		data := tm.Payload
		if data == nil {
			data = tm.Data
		}
		return New(tm.Type, channelFor(tm.Type, data), data), nil
	}

	return nil, ErrUnknownShape
}
