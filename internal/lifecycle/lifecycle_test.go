package lifecycle

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamerelay/internal/directory"
)

func TestConnectCreatesRecord(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemoryStore()
	h := NewHandler(dir, zerolog.Nop())

	rec, err := h.Connect(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ConnectionID)
	assert.Equal(t, "u1", rec.UserID)
	assert.False(t, rec.ConnectedAt.IsZero())
	assert.True(t, rec.LastPing.Equal(rec.ConnectedAt))
	assert.Empty(t, rec.Channels)

	stored, err := dir.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.UserID)
}

func TestConnectAssignsGuestIdentity(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemoryStore()
	h := NewHandler(dir, zerolog.Nop())

	rec, err := h.Connect(ctx, "c1", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.UserID, "guest-"))

	other, err := h.Connect(ctx, "c2", "")
	require.NoError(t, err)
	assert.NotEqual(t, rec.UserID, other.UserID)
}

func TestDisconnectRemovesRecord(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemoryStore()
	h := NewHandler(dir, zerolog.Nop())

	_, err := h.Connect(ctx, "c1", "u1")
	require.NoError(t, err)

	require.NoError(t, h.Disconnect(ctx, "c1"))
	_, err = dir.Get(ctx, "c1")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	// Disconnecting twice is harmless.
	require.NoError(t, h.Disconnect(ctx, "c1"))
}

func TestGuestIDFormat(t *testing.T) {
	id := GuestID()
	assert.True(t, strings.HasPrefix(id, "guest-"))
	assert.NotEqual(t, id, GuestID())
}
