package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamerelay/internal/delivery"
	"gamerelay/internal/directory"
	"gamerelay/internal/fanout"
	"gamerelay/internal/store"
	"gamerelay/pkg/protocol"
)

// captureSender records every delivered envelope keyed by connection.
type captureSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Envelope
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(map[string][]*protocol.Envelope)}
}

func (c *captureSender) Send(ctx context.Context, connectionID string, payload []byte) delivery.Result {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return delivery.Transient(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[connectionID] = append(c.sent[connectionID], &env)
	return delivery.Delivered()
}

func (c *captureSender) envelopes(connectionID string) []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Envelope(nil), c.sent[connectionID]...)
}

func (c *captureSender) last(t *testing.T, connectionID string) *protocol.Envelope {
	t.Helper()
	envs := c.envelopes(connectionID)
	require.NotEmpty(t, envs, "no envelope delivered to %s", connectionID)
	return envs[len(envs)-1]
}

// fakePersistence records writes and can be scripted to fail.
type fakePersistence struct {
	mu            sync.Mutex
	notifications []*store.Notification
	activities    []*store.Activity
	friends       map[string][]string
	failWrites    bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{friends: make(map[string][]string)}
}

func (p *fakePersistence) StoreNotification(ctx context.Context, n *store.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrites {
		return errors.New("disk full")
	}
	p.notifications = append(p.notifications, n)
	return nil
}

func (p *fakePersistence) StoreActivity(ctx context.Context, a *store.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrites {
		return errors.New("disk full")
	}
	p.activities = append(p.activities, a)
	return nil
}

func (p *fakePersistence) Friends(ctx context.Context, userID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.friends[userID], nil
}

type fixture struct {
	dir         *directory.MemoryStore
	sender      *captureSender
	persistence *fakePersistence
	router      *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := directory.NewMemoryStore()
	sender := newCaptureSender()
	persistence := newFakePersistence()
	engine := fanout.NewEngine(dir, sender, zerolog.Nop())
	return &fixture{
		dir:         dir,
		sender:      sender,
		persistence: persistence,
		router:      NewRouter(dir, engine, sender, persistence, zerolog.Nop()),
	}
}

func (f *fixture) connect(t *testing.T, connID, userID string, channels ...string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.dir.Put(context.Background(), &directory.Record{
		ConnectionID: connID,
		UserID:       userID,
		ConnectedAt:  now,
		LastPing:     now,
		Channels:     channels,
	}))
}

func action(t *testing.T, name string, data map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.ActionMessage{Action: name, Data: data})
	require.NoError(t, err)
	return raw
}

func TestHandleMessageUnidentifiedConnection(t *testing.T) {
	f := newFixture(t)

	err := f.router.HandleMessage(context.Background(), "ghost", action(t, protocol.ActionPing, nil))
	assert.ErrorIs(t, err, ErrUnidentified)

	env := f.sender.last(t, "ghost")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codeUnauthorized, env.Data["code"])
}

func TestHandlePing(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	before, err := f.dir.Get(context.Background(), "c1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", action(t, protocol.ActionPing, nil)))

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypePong, env.Type)
	assert.Equal(t, protocol.ChannelSystem, env.Channel)
	assert.NotEmpty(t, env.Data["time"])

	after, err := f.dir.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, after.LastPing.After(before.LastPing))
}

func TestHandleSubscribeReplacesChannels(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1", "game:old")

	raw := action(t, protocol.ActionSubscribe, map[string]interface{}{
		"channels": []interface{}{"game:42", "conversation:7"},
	})
	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", raw))

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeSubscribed, env.Type)
	assert.ElementsMatch(t, []interface{}{"game:42", "conversation:7"}, env.Data["channels"])

	rec, err := f.dir.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"game:42", "conversation:7"}, rec.Channels)

	members, err := f.dir.ByChannel(context.Background(), "game:old")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestHandleSubscribeWithoutChannels(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", action(t, protocol.ActionSubscribe, nil)))

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codeBadRequest, env.Data["code"])
}

func TestHandleUnsubscribe(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1", "game:1", "game:2")

	raw := action(t, protocol.ActionUnsubscribe, map[string]interface{}{"channel": "game:1"})
	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", raw))

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeSubscribed, env.Type)
	assert.Equal(t, []interface{}{"game:2"}, env.Data["channels"])

	rec, err := f.dir.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"game:2"}, rec.Channels)
}

func TestUnknownActionKeepsConnectionUsable(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	err := f.router.HandleMessage(context.Background(), "c1", action(t, "selfDestruct", nil))
	require.NoError(t, err)

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codeUnknownAction, env.Data["code"])

	// The same connection processes the next message normally.
	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", action(t, protocol.ActionPing, nil)))
	assert.Equal(t, protocol.TypePong, f.sender.last(t, "c1").Type)
}

func TestMalformedMessage(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", []byte("{{{")))

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codeBadRequest, env.Data["code"])
}

func TestHandleSendNotification(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "sender-conn", "u1")
	f.connect(t, "target-phone", "u2")
	f.connect(t, "target-tablet", "u2")

	raw := action(t, protocol.ActionSendNotification, map[string]interface{}{
		"targetUserId": "u2",
		"type":         "friend_request",
		"body":         "u1 wants to be friends",
	})
	require.NoError(t, f.router.HandleMessage(context.Background(), "sender-conn", raw))

	require.Len(t, f.persistence.notifications, 1)
	n := f.persistence.notifications[0]
	assert.Equal(t, "u2", n.UserID)
	assert.Equal(t, "u1", n.FromUserID)
	assert.Equal(t, "friend_request", n.Type)

	// Every device of the target gets the envelope, attributed to the sender.
	for _, connID := range []string{"target-phone", "target-tablet"} {
		env := f.sender.last(t, connID)
		assert.Equal(t, protocol.TypeNotification, env.Type)
		require.NotNil(t, env.Metadata)
		assert.Equal(t, "u1", env.Metadata.UserID)
	}
	assert.Empty(t, f.sender.envelopes("sender-conn"))
}

func TestHandleSendNotificationOfflineTarget(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	raw := action(t, protocol.ActionSendNotification, map[string]interface{}{"targetUserId": "offline-user"})
	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", raw))

	// Persisted even though nobody was online to receive it.
	assert.Len(t, f.persistence.notifications, 1)
}

func TestHandleSendNotificationMissingTarget(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	require.NoError(t, f.router.HandleMessage(context.Background(), "c1",
		action(t, protocol.ActionSendNotification, map[string]interface{}{"body": "hi"})))

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codeBadRequest, env.Data["code"])
	assert.Empty(t, f.persistence.notifications)
}

func TestPersistenceFailureStopsFanout(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")
	f.connect(t, "c2", "u2")
	f.persistence.failWrites = true

	raw := action(t, protocol.ActionSendNotification, map[string]interface{}{"targetUserId": "u2"})
	err := f.router.HandleMessage(context.Background(), "c1", raw)
	require.Error(t, err)

	// Target saw nothing; sender got the persistence error envelope.
	assert.Empty(t, f.sender.envelopes("c2"))
	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codePersistence, env.Data["code"])
}

func TestHandleBroadcastActivity(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")
	f.connect(t, "friend-a", "u2")
	f.connect(t, "friend-b", "u3")
	f.connect(t, "stranger", "u4")
	f.persistence.friends["u1"] = []string{"u2", "u3"}

	raw := action(t, protocol.ActionBroadcastActivity, map[string]interface{}{
		"type":   "game_completed",
		"gameId": "g9",
	})
	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", raw))

	require.Len(t, f.persistence.activities, 1)
	assert.Equal(t, "u1", f.persistence.activities[0].UserID)
	assert.Equal(t, "g9", f.persistence.activities[0].GameID)

	for _, connID := range []string{"friend-a", "friend-b"} {
		env := f.sender.last(t, connID)
		assert.Equal(t, protocol.TypeFriendActivity, env.Type)
	}
	assert.Empty(t, f.sender.envelopes("stranger"))
	assert.Empty(t, f.sender.envelopes("c1"))
}

func TestHandleUpdateGameState(t *testing.T) {
	f := newFixture(t)
	ch := protocol.GameChannel("42")
	f.connect(t, "origin", "u1", ch)
	f.connect(t, "peer", "u2", ch)
	f.connect(t, "outside", "u3")

	raw := action(t, protocol.ActionUpdateGameState, map[string]interface{}{
		"gameId": "42",
		"score":  float64(100),
	})
	require.NoError(t, f.router.HandleMessage(context.Background(), "origin", raw))

	env := f.sender.last(t, "peer")
	assert.Equal(t, protocol.TypeGameState, env.Type)
	assert.Equal(t, ch, env.Channel)
	assert.Equal(t, float64(100), env.Data["score"])

	// The sender does not receive its own broadcast.
	assert.Empty(t, f.sender.envelopes("origin"))
	assert.Empty(t, f.sender.envelopes("outside"))
}

func TestHandleUpdateGameStateMissingGame(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	require.NoError(t, f.router.HandleMessage(context.Background(), "c1",
		action(t, protocol.ActionUpdateGameState, nil)))

	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codeBadRequest, env.Data["code"])
}

func TestHandleTyping(t *testing.T) {
	f := newFixture(t)
	ch := protocol.ConversationChannel("c9")
	f.connect(t, "typer", "u1", ch)
	f.connect(t, "reader", "u2", ch)

	raw := action(t, protocol.ActionTyping, map[string]interface{}{
		"conversationId": "c9",
		"isTyping":       true,
	})
	require.NoError(t, f.router.HandleMessage(context.Background(), "typer", raw))

	env := f.sender.last(t, "reader")
	assert.Equal(t, protocol.TypeUserTyping, env.Type)
	assert.Equal(t, ch, env.Channel)
	assert.Equal(t, true, env.Data["isTyping"])
	assert.Empty(t, f.sender.envelopes("typer"))
}

func TestRateLimitExceeded(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")

	for i := 0; i < rateLimitPerWindow; i++ {
		require.NoError(t, f.router.HandleMessage(context.Background(), "c1", action(t, protocol.ActionPing, nil)))
	}

	require.NoError(t, f.router.HandleMessage(context.Background(), "c1", action(t, protocol.ActionPing, nil)))
	env := f.sender.last(t, "c1")
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, codeRateLimited, env.Data["code"])
}
