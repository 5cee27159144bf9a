package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	writeQueueSize = 100
	writeDeadline  = 30 * time.Second
	retryDelay     = 5 * time.Second
)

// Manager owns the sqlite database. All writes funnel through a single
// goroutine; sqlite handles concurrent reads but serializing writes
// avoids SQLITE_BUSY contention under load.
type Manager struct {
	db       *sql.DB
	writeCh  chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.RWMutex
	log      zerolog.Logger
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// NewManager opens the database, applies the schema, and starts the
// writer goroutine.
func NewManager(path string, log zerolog.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Second)

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	m := &Manager{
		db:       db,
		writeCh:  make(chan writeOp, writeQueueSize),
		shutdown: make(chan struct{}),
		log:      log.With().Str("component", "store").Logger(),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeCh:
			err := op.fn(m.db)
			if err != nil {
				// Retry once after a delay; sqlite write failures here
				// are usually transient lock contention.
				m.log.Warn().Err(err).Msg("write failed, retrying")
				time.Sleep(retryDelay)
				err = op.fn(m.db)
				if err != nil {
					m.log.Error().Err(err).Msg("write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(fn func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeCh <- writeOp{fn: fn, result: result}:
		return <-result
	case <-time.After(writeDeadline):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrClosed
	}
}

// StoreNotification persists a notification addressed to one user.
func (m *Manager) StoreNotification(ctx context.Context, n *Notification) error {
	content, err := json.Marshal(n.Content)
	if err != nil {
		return fmt.Errorf("encode notification content: %w", err)
	}
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO notifications (id, user_id, from_user, type, content, read, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.UserID, n.FromUserID, n.Type, string(content), n.Read, n.CreatedAt,
		)
		return err
	})
}

// StoreActivity persists a feed activity.
func (m *Manager) StoreActivity(ctx context.Context, a *Activity) error {
	content, err := json.Marshal(a.Content)
	if err != nil {
		return fmt.Errorf("encode activity content: %w", err)
	}
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO activities (id, user_id, type, game_id, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.UserID, a.Type, a.GameID, string(content), a.CreatedAt,
		)
		return err
	})
}

// Friends returns the friend IDs of one user.
func (m *Manager) Friends(ctx context.Context, userID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT friend_id FROM friends WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		friends = append(friends, id)
	}
	return friends, rows.Err()
}

// AddFriend records a friendship edge. The edge is directional; the
// friends handlers own reciprocity, not this store.
func (m *Manager) AddFriend(ctx context.Context, userID, friendID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT OR IGNORE INTO friends (user_id, friend_id, created_at) VALUES (?, ?, ?)`,
			userID, friendID, time.Now().UTC(),
		)
		return err
	})
}

// Notifications returns a user's most recent notifications.
func (m *Manager) Notifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, user_id, from_user, type, content, read, created_at
		 FROM notifications WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var (
			n       Notification
			from    sql.NullString
			content string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &from, &n.Type, &content, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.FromUserID = from.String
		if err := json.Unmarshal([]byte(content), &n.Content); err != nil {
			return nil, fmt.Errorf("decode notification content: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// HealthCheck verifies database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close stops the writer and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}
