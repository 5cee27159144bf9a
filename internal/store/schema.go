package store

import "database/sql"

// Schema statements applied at startup. IF NOT EXISTS keeps the
// bootstrap idempotent across restarts.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		from_user  TEXT,
		type       TEXT NOT NULL,
		content    TEXT NOT NULL,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		type       TEXT NOT NULL,
		game_id    TEXT,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_user
		ON activities(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS friends (
		user_id    TEXT NOT NULL,
		friend_id  TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, friend_id)
	)`,
}

func ensureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
