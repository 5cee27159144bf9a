// Package client implements the reconnecting websocket client used by
// the mobile app: one logical connection that survives drops, a typed
// send API, and per-type/per-channel dispatch of inbound messages.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gamerelay/pkg/protocol"
)

// State is the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configure a Client. URL is required; everything else has a
// usable default.
type Options struct {
	URL    string // websocket endpoint, e.g. ws://host:8080/ws
	UserID string // identity passed as the userId query parameter
	Token  string // optional bearer token passed as the token query parameter

	HeartbeatInterval time.Duration // default 30s
	DialTimeout       time.Duration // default 10s
	ReconnectMin      time.Duration // backoff floor, default 1s
	ReconnectMax      time.Duration // backoff cap, default 30s

	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

// Client owns one logical connection. It reconnects automatically with
// capped exponential backoff and jitter, keeps at most one reconnect
// timer pending, replays the desired subscription set on every
// connected transition, and silently drops sends while disconnected
// (no store-and-forward).
//
// Clients are constructed instances, not process-wide singletons, so
// several logical connections can coexist in one process.
type Client struct {
	opts     Options
	dialer   *websocket.Dialer
	dispatch *dispatcher
	log      zerolog.Logger

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	gen            int // connection generation, guards stale goroutines
	attempts       int
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
	manual         bool
	subs           map[string]bool // desired channel set

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}
	opts.applyDefaults()

	return &Client{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		dispatch: newDispatcher(),
		log:      opts.Logger.With().Str("component", "ws-client").Logger(),
		subs:     make(map[string]bool),
	}, nil
}

// Connect dials the server. It returns once the transport reports open
// or failed; a failure schedules the first reconnect attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.manual = false
	c.cancelReconnectLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect tears the connection down: it cancels any pending
// reconnect timer, stops the heartbeat, closes the socket, and clears
// every registered handler and subscription. A later Connect starts
// clean.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.cancelReconnectLocked()
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.attempts = 0
	c.subs = make(map[string]bool)
	c.mu.Unlock()

	c.dispatch.clear()

	if ws != nil {
		_ = ws.Close()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the consecutive failed connect count. It
// resets to zero on every successful connection.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Send transmits an envelope. While not connected it is a silent
// no-op: the message is dropped, not queued.
func (c *Client) Send(env *protocol.Envelope) error {
	return c.write(env)
}

// SendAction transmits a legacy {action, data} message.
func (c *Client) SendAction(action string, data map[string]interface{}) error {
	return c.write(&protocol.ActionMessage{Action: action, Data: data})
}

// Ping sends an application heartbeat.
func (c *Client) Ping() error {
	return c.SendAction(protocol.ActionPing, nil)
}

// SendNotification asks the server to persist and deliver a
// notification to the target user.
func (c *Client) SendNotification(targetUserID string, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["targetUserId"] = targetUserID
	return c.SendAction(protocol.ActionSendNotification, data)
}

// BroadcastActivity publishes an activity to the caller's friends.
func (c *Client) BroadcastActivity(data map[string]interface{}) error {
	return c.SendAction(protocol.ActionBroadcastActivity, data)
}

// UpdateGameState broadcasts new state to the game's channel.
func (c *Client) UpdateGameState(gameID string, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["gameId"] = gameID
	return c.SendAction(protocol.ActionUpdateGameState, data)
}

// Typing broadcasts a typing indicator to a conversation channel.
func (c *Client) Typing(conversationID string, typing bool) error {
	return c.SendAction(protocol.ActionTyping, map[string]interface{}{
		"conversationId": conversationID,
		"isTyping":       typing,
	})
}

// Subscribe adds the channel to the desired set, registers the
// optional handler, and pushes the full desired set to the server
// (subscription is replace-semantics on the wire). The returned handle
// removes just this handler registration.
func (c *Client) Subscribe(channel string, h Handler) func() {
	unregister := func() {}
	if h != nil {
		unregister = c.dispatch.onChannel(channel, h)
	}

	c.mu.Lock()
	c.subs[channel] = true
	channels := c.desiredLocked()
	c.mu.Unlock()

	if err := c.SendAction(protocol.ActionSubscribe, map[string]interface{}{"channels": channels}); err != nil {
		c.log.Debug().Err(err).Str("channel", channel).Msg("subscribe send failed")
	}
	return unregister
}

// Unsubscribe removes the channel's handlers and tells the server to
// drop the membership.
func (c *Client) Unsubscribe(channel string) {
	c.dispatch.removeChannel(channel)

	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()

	if err := c.SendAction(protocol.ActionUnsubscribe, map[string]interface{}{"channels": []string{channel}}); err != nil {
		c.log.Debug().Err(err).Str("channel", channel).Msg("unsubscribe send failed")
	}
}

// OnType registers a handler for one message type and returns its
// removal handle.
func (c *Client) OnType(t protocol.Type, h Handler) func() {
	return c.dispatch.onType(t, h)
}

// OnChannel registers a handler for one channel and returns its
// removal handle.
func (c *Client) OnChannel(channel string, h Handler) func() {
	return c.dispatch.onChannel(channel, h)
}

// dial performs one connect attempt and, on success, starts the read
// and heartbeat goroutines and replays subscriptions.
func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.buildURL()
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)

	c.mu.Lock()
	if c.manual {
		// Disconnect() raced the dial; discard the socket.
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return nil
	}
	if err != nil {
		c.attempts++
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.ws = ws
	c.gen++
	gen := c.gen
	c.state = StateConnected
	c.attempts = 0
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	channels := c.desiredLocked()
	c.mu.Unlock()

	c.log.Debug().Str("url", c.opts.URL).Msg("connected")

	go c.readLoop(ws, gen)
	go c.heartbeat(stop)

	// Replay the desired subscription set so a reconnect restores
	// channel membership the server lost with the old connection.
	if len(channels) > 0 {
		if err := c.SendAction(protocol.ActionSubscribe, map[string]interface{}{"channels": channels}); err != nil {
			c.log.Debug().Err(err).Msg("subscription replay failed")
		}
	}
	return nil
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse url %s: %w", c.opts.URL, err)
	}
	q := u.Query()
	if c.opts.UserID != "" {
		q.Set("userId", c.opts.UserID)
	}
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop normalizes and dispatches inbound messages until the socket
// drops, then hands off to the reconnect path.
func (c *Client) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}

		env, err := protocol.Normalize(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping unrecognized message")
			continue
		}
		c.dispatch.dispatch(env)
	}

	c.handleDrop(ws, gen)
}

// handleDrop transitions to disconnected after a socket failure and
// schedules a reconnect, unless this goroutine belongs to a connection
// that has already been replaced.
func (c *Client) handleDrop(ws *websocket.Conn, gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.ws != ws {
		return // stale generation
	}

	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.ws = nil
	c.state = StateDisconnected
	_ = ws.Close()

	if !c.manual {
		c.log.Debug().Msg("connection dropped, scheduling reconnect")
		c.scheduleReconnectLocked()
	}
}

// scheduleReconnectLocked arms the reconnect timer. At most one timer
// is ever pending; Disconnect cancels it. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil || c.manual {
		return
	}

	delay := c.backoff(c.attempts)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.manual || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		defer cancel()
		if err := c.dial(ctx); err != nil {
			c.log.Debug().Err(err).Int("attempts", c.ReconnectAttempts()).Msg("reconnect failed")
		}
	})
}

// backoff returns the delay before the next attempt: exponential from
// the floor, capped, with jitter in the upper half of the interval.
func (c *Client) backoff(attempts int) time.Duration {
	d := c.opts.ReconnectMin
	for i := 0; i < attempts && d < c.opts.ReconnectMax; i++ {
		d *= 2
	}
	if d > c.opts.ReconnectMax {
		d = c.opts.ReconnectMax
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// heartbeat sends application pings until stopped; the server uses
// them to refresh the connection record's lastPing.
func (c *Client) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat failed")
			}
		case <-stop:
			return
		}
	}
}

// write serializes v and transmits it if connected; otherwise the
// message is silently dropped.
func (c *Client) write(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// desiredLocked snapshots the desired channel set. Callers hold c.mu.
func (c *Client) desiredLocked() []string {
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	return channels
}
