// Package lifecycle handles connect and disconnect events, owning the
// creation and removal of directory records.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gamerelay/internal/directory"
)

// Handler processes connection lifecycle events.
type Handler struct {
	directory directory.Store
	log       zerolog.Logger
}

// NewHandler builds a lifecycle handler over the directory.
func NewHandler(dir directory.Store, log zerolog.Logger) *Handler {
	return &Handler{
		directory: dir,
		log:       log.With().Str("component", "lifecycle").Logger(),
	}
}

// GuestID generates the identity marker used when a connection arrives
// without one.
func GuestID() string { return "guest-" + uuid.New().String() }

// Connect writes a fresh directory record for the connection. An empty
// userID gets a generated guest marker. A directory write failure is
// returned as-is: the client reconnects and retries the whole
// handshake, so there is no retry here.
func (h *Handler) Connect(ctx context.Context, connectionID, userID string) (*directory.Record, error) {
	if userID == "" {
		userID = GuestID()
	}

	now := time.Now().UTC()
	rec := &directory.Record{
		ConnectionID: connectionID,
		UserID:       userID,
		ConnectedAt:  now,
		LastPing:     now,
	}

	if err := h.directory.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store connection record: %w", err)
	}

	h.log.Info().
		Str("connection_id", connectionID).
		Str("user_id", userID).
		Msg("connection established")
	return rec, nil
}

// Disconnect deletes the connection's directory record. Deleting a
// record that is already gone is not an error.
func (h *Handler) Disconnect(ctx context.Context, connectionID string) error {
	if err := h.directory.Delete(ctx, connectionID); err != nil {
		return fmt.Errorf("delete connection record: %w", err)
	}
	h.log.Info().Str("connection_id", connectionID).Msg("connection removed")
	return nil
}
