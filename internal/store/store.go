// Package store persists the records the router writes as side
// effects of routing: notifications, activities, and the friend graph
// they are addressed with. The real-time core routes these records but
// does not own their schema beyond what delivery needs.
package store

import "time"

// Notification is a persisted message addressed to one user.
type Notification struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"userId"`
	FromUserID string                 `json:"fromUserId,omitempty"`
	Type       string                 `json:"type"`
	Content    map[string]interface{} `json:"content"`
	Read       bool                   `json:"read"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Activity is a persisted feed entry broadcast to a user's friends.
type Activity struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Type      string                 `json:"type"`
	GameID    string                 `json:"gameId,omitempty"`
	Content   map[string]interface{} `json:"content"`
	CreatedAt time.Time              `json:"createdAt"`
}
