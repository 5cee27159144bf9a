package delivery

import "sync"

// Registry tracks the websocket connections this process currently
// holds open, keyed by connection ID. It is transport bookkeeping
// only; identity and channel membership live in the directory.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers a connection under its ID.
func (r *Registry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Remove drops a connection by ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connectionID)
}

// Get returns the live connection for an ID, if any.
func (r *Registry) Get(connectionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll tears down every connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, id)
	}
}
