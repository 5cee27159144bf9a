// Package router dispatches inbound actions from established
// connections: heartbeat, subscription management, notification
// delivery, activity broadcast, game-state and typing broadcast.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gamerelay/internal/delivery"
	"gamerelay/internal/directory"
	"gamerelay/internal/fanout"
	"gamerelay/internal/store"
	"gamerelay/pkg/protocol"
)

// Persistence is the slice of the store the router needs: it persists
// notifications and activities before fanning out, and resolves the
// sender's friend list for activity broadcast.
type Persistence interface {
	StoreNotification(ctx context.Context, n *store.Notification) error
	StoreActivity(ctx context.Context, a *store.Activity) error
	Friends(ctx context.Context, userID string) ([]string, error)
}

// Router handles one inbound message at a time for any connection. It
// holds no per-connection state: identity is resolved from the
// directory on every message, so instances are freely shareable.
type Router struct {
	directory   directory.Store
	fanout      *fanout.Engine
	sender      delivery.Sender
	persistence Persistence
	limiter     *RateLimiter
	log         zerolog.Logger
}

// NewRouter wires a router from its collaborators.
func NewRouter(dir directory.Store, engine *fanout.Engine, sender delivery.Sender, persistence Persistence, log zerolog.Logger) *Router {
	return &Router{
		directory:   dir,
		fanout:      engine,
		sender:      sender,
		persistence: persistence,
		limiter:     NewRateLimiter(),
		log:         log.With().Str("component", "router").Logger(),
	}
}

// HandleMessage processes one raw inbound message from a connection.
//
// Failures are scoped to this one message: protocol errors (malformed
// payload, unknown action) answer the sender with an error envelope and
// return nil so the connection stays usable; identity errors stop
// processing with ErrUnidentified; downstream persistence or fan-out
// failures are returned for logging after the sender has been notified
// where feasible. The router itself never fails globally.
func (r *Router) HandleMessage(ctx context.Context, connectionID string, raw []byte) error {
	// Identity comes from the directory, never from the payload. A
	// connection without a record cannot act.
	rec, err := r.directory.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			r.reply(ctx, connectionID, protocol.NewError(codeUnauthorized, "connection not identified"))
			return ErrUnidentified
		}
		return fmt.Errorf("resolve connection %s: %w", connectionID, err)
	}

	msg, err := protocol.ParseAction(raw)
	if err != nil {
		r.reply(ctx, connectionID, protocol.NewError(codeBadRequest, "malformed message"))
		return nil
	}

	if !r.limiter.Allow(rec.UserID) {
		r.reply(ctx, connectionID, protocol.NewError(codeRateLimited, "too many messages"))
		return nil
	}

	switch msg.Action {
	case protocol.ActionPing:
		return r.handlePing(ctx, rec)
	case protocol.ActionSubscribe:
		return r.handleSubscribe(ctx, rec, msg)
	case protocol.ActionUnsubscribe:
		return r.handleUnsubscribe(ctx, rec, msg)
	case protocol.ActionSendNotification:
		return r.handleSendNotification(ctx, rec, msg)
	case protocol.ActionBroadcastActivity:
		return r.handleBroadcastActivity(ctx, rec, msg)
	case protocol.ActionUpdateGameState:
		return r.handleUpdateGameState(ctx, rec, msg)
	case protocol.ActionTyping:
		return r.handleTyping(ctx, rec, msg)
	default:
		r.reply(ctx, connectionID, protocol.NewError(codeUnknownAction, "unknown action: "+msg.Action))
		return nil
	}
}

// handlePing refreshes the record's heartbeat and answers the sender
// only.
func (r *Router) handlePing(ctx context.Context, rec *directory.Record) error {
	now := time.Now().UTC()
	if err := r.directory.Touch(ctx, rec.ConnectionID, now); err != nil {
		r.log.Warn().Err(err).Str("connection_id", rec.ConnectionID).Msg("heartbeat touch failed")
	}

	pong := protocol.New(protocol.TypePong, protocol.ChannelSystem, map[string]interface{}{
		"time": now.Format(time.RFC3339),
	})
	r.reply(ctx, rec.ConnectionID, pong)
	return nil
}

// handleSubscribe replaces the connection's channel set and echoes the
// new membership back.
func (r *Router) handleSubscribe(ctx context.Context, rec *directory.Record, msg *protocol.ActionMessage) error {
	channels := channelsField(msg.Data)
	if len(channels) == 0 {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codeBadRequest, "subscribe requires channels"))
		return nil
	}

	if err := r.directory.SetChannels(ctx, rec.ConnectionID, channels); err != nil {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codePersistence, "subscription update failed"))
		return fmt.Errorf("set channels for %s: %w", rec.ConnectionID, err)
	}

	r.reply(ctx, rec.ConnectionID, protocol.New(protocol.TypeSubscribed, protocol.ChannelSystem, map[string]interface{}{
		"channels": channels,
	}))
	return nil
}

// handleUnsubscribe removes the named channels from the connection's
// set and echoes what remains.
func (r *Router) handleUnsubscribe(ctx context.Context, rec *directory.Record, msg *protocol.ActionMessage) error {
	drop := make(map[string]bool)
	for _, c := range channelsField(msg.Data) {
		drop[c] = true
	}

	var remaining []string
	for _, c := range rec.Channels {
		if !drop[c] {
			remaining = append(remaining, c)
		}
	}

	if err := r.directory.SetChannels(ctx, rec.ConnectionID, remaining); err != nil {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codePersistence, "subscription update failed"))
		return fmt.Errorf("set channels for %s: %w", rec.ConnectionID, err)
	}

	r.reply(ctx, rec.ConnectionID, protocol.New(protocol.TypeSubscribed, protocol.ChannelSystem, map[string]interface{}{
		"channels": remaining,
	}))
	return nil
}

// handleSendNotification persists the notification, then fans it out
// to every live connection of the target user. A persistence failure
// stops before any fan-out is attempted.
func (r *Router) handleSendNotification(ctx context.Context, rec *directory.Record, msg *protocol.ActionMessage) error {
	target := stringField(msg.Data, "targetUserId")
	if target == "" {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codeBadRequest, ErrMissingTarget.Error()))
		return nil
	}

	notification := &store.Notification{
		ID:         uuid.New().String(),
		UserID:     target,
		FromUserID: rec.UserID,
		Type:       stringField(msg.Data, "type"),
		Content:    msg.Data,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.persistence.StoreNotification(ctx, notification); err != nil {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codePersistence, "notification not stored"))
		return fmt.Errorf("store notification: %w", err)
	}

	env := r.outbound(protocol.TypeNotification, protocol.ChannelDefault, msg.Data, rec.UserID)
	delivered, err := r.fanout.ToUser(ctx, target, env)
	if err != nil {
		return fmt.Errorf("notification fan-out to %s: %w", target, err)
	}
	r.log.Debug().Str("target", target).Int("delivered", delivered).Msg("notification routed")
	return nil
}

// handleBroadcastActivity persists the activity, then fans it out to
// every live connection of each of the sender's friends.
func (r *Router) handleBroadcastActivity(ctx context.Context, rec *directory.Record, msg *protocol.ActionMessage) error {
	activity := &store.Activity{
		ID:        uuid.New().String(),
		UserID:    rec.UserID,
		Type:      stringField(msg.Data, "type"),
		GameID:    stringField(msg.Data, "gameId"),
		Content:   msg.Data,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.persistence.StoreActivity(ctx, activity); err != nil {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codePersistence, "activity not stored"))
		return fmt.Errorf("store activity: %w", err)
	}

	friends, err := r.persistence.Friends(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("resolve friends of %s: %w", rec.UserID, err)
	}

	env := r.outbound(protocol.TypeFriendActivity, protocol.ChannelDefault, msg.Data, rec.UserID)
	var errs []error
	for _, friend := range friends {
		if _, err := r.fanout.ToUser(ctx, friend, env); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("activity fan-out: %w", errors.Join(errs...))
	}
	return nil
}

// handleUpdateGameState broadcasts the new state to every connection
// subscribed to the game's channel, excluding the sender.
func (r *Router) handleUpdateGameState(ctx context.Context, rec *directory.Record, msg *protocol.ActionMessage) error {
	gameID := stringField(msg.Data, "gameId")
	if gameID == "" {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codeBadRequest, ErrMissingGame.Error()))
		return nil
	}

	channel := protocol.GameChannel(gameID)
	env := r.outbound(protocol.TypeGameState, channel, msg.Data, rec.UserID)
	delivered, err := r.fanout.ToChannel(ctx, channel, rec.ConnectionID, env)
	if err != nil {
		return fmt.Errorf("game-state fan-out on %s: %w", channel, err)
	}
	r.log.Debug().Str("channel", channel).Int("delivered", delivered).Msg("game state routed")
	return nil
}

// handleTyping broadcasts the typing indicator to the conversation
// channel, excluding the sender.
func (r *Router) handleTyping(ctx context.Context, rec *directory.Record, msg *protocol.ActionMessage) error {
	conversationID := stringField(msg.Data, "conversationId")
	if conversationID == "" {
		r.reply(ctx, rec.ConnectionID, protocol.NewError(codeBadRequest, ErrMissingConversation.Error()))
		return nil
	}

	channel := protocol.ConversationChannel(conversationID)
	env := r.outbound(protocol.TypeUserTyping, channel, msg.Data, rec.UserID)
	if _, err := r.fanout.ToChannel(ctx, channel, rec.ConnectionID, env); err != nil {
		return fmt.Errorf("typing fan-out on %s: %w", channel, err)
	}
	return nil
}

// CleanupRateLimiter trims idle per-user rate windows.
func (r *Router) CleanupRateLimiter() { r.limiter.Cleanup() }

// outbound builds a domain envelope attributed to the sending user.
func (r *Router) outbound(t protocol.Type, channel string, data map[string]interface{}, userID string) *protocol.Envelope {
	env := protocol.New(t, channel, data)
	env.Metadata = &protocol.Metadata{UserID: userID}
	return env
}

// reply pushes an envelope to a single connection, best effort.
func (r *Router) reply(ctx context.Context, connectionID string, env *protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error().Err(err).Msg("encode reply envelope")
		return
	}
	res := r.sender.Send(ctx, connectionID, payload)
	if res.Status != delivery.StatusDelivered {
		r.log.Debug().
			Str("connection_id", connectionID).
			Str("type", string(env.Type)).
			Err(res.Err).
			Msg("reply not delivered")
	}
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// channelsField accepts either "channels": [...] or a single
// "channel": "name" in the action data.
func channelsField(data map[string]interface{}) []string {
	if data == nil {
		return nil
	}
	var out []string
	if list, ok := data["channels"].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if s, ok := data["channel"].(string); ok && s != "" {
		out = append(out, s)
	}
	return out
}
