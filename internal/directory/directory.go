package directory

import (
	"context"
	"time"
)

// Record identifies one live transport-level connection. A record
// exists if and only if the directory still considers the connection
// deliverable; stale records are reaped by the fan-out engine on the
// first failed delivery.
type Record struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastPing     time.Time `json:"last_ping"`
	Channels     []string  `json:"channels"`
}

// Subscribed reports whether the record's connection has opted into
// the given channel.
func (r *Record) Subscribed(channel string) bool {
	for _, c := range r.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Store is the connection directory: a durable connectionID-keyed map
// with secondary lookup by user and by subscribed channel. Channel
// membership has a single source of truth, the record's Channels set,
// so a subscribe immediately followed by a fan-out sees the new
// membership (read-after-write on a single record is required of every
// implementation).
type Store interface {
	// Put creates or replaces the record for its connection ID.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for a connection ID, or ErrNotFound.
	Get(ctx context.Context, connectionID string) (*Record, error)

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, connectionID string) error

	// Touch updates the record's LastPing, or returns ErrNotFound.
	Touch(ctx context.Context, connectionID string, at time.Time) error

	// SetChannels replaces the record's subscribed-channel set.
	SetChannels(ctx context.Context, connectionID string, channels []string) error

	// ByUser returns all live records for a user. An offline user
	// yields an empty slice, not an error.
	ByUser(ctx context.Context, userID string) ([]*Record, error)

	// ByChannel returns all records subscribed to a channel.
	ByChannel(ctx context.Context, channel string) ([]*Record, error)

	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)
}
