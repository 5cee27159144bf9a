package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process directory used by tests and
// single-node deployments. Secondary indexes mirror the primary map so
// user and channel lookups stay O(1) in the number of matches.
type MemoryStore struct {
	mu        sync.RWMutex
	conns     map[string]*Record            // connectionID -> record
	byUser    map[string]map[string]*Record // userID -> connectionID -> record
	byChannel map[string]map[string]*Record // channel -> connectionID -> record
}

// NewMemoryStore creates an empty in-memory directory. All maps are
// initialized up front to keep concurrent access nil-safe.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns:     make(map[string]*Record),
		byUser:    make(map[string]map[string]*Record),
		byChannel: make(map[string]map[string]*Record),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	if rec.ConnectionID == "" {
		return ErrMissingConnID
	}
	if rec.UserID == "" {
		return ErrMissingUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing an existing record must first drop its old index
	// entries, otherwise a reconnect with a different user would leave
	// the old user index pointing at the new record.
	if old, ok := s.conns[rec.ConnectionID]; ok {
		s.dropIndexes(old)
	}

	stored := cloneRecord(rec)
	s.conns[stored.ConnectionID] = stored
	s.addIndexes(stored)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, connectionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conns[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connectionID]
	if !ok {
		return nil // idempotent
	}
	s.dropIndexes(rec)
	delete(s.conns, connectionID)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, connectionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connectionID]
	if !ok {
		return ErrNotFound
	}
	rec.LastPing = at
	return nil
}

func (s *MemoryStore) SetChannels(ctx context.Context, connectionID string, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connectionID]
	if !ok {
		return ErrNotFound
	}

	for _, c := range rec.Channels {
		s.dropChannel(c, connectionID)
	}
	rec.Channels = append([]string(nil), channels...)
	for _, c := range rec.Channels {
		if s.byChannel[c] == nil {
			s.byChannel[c] = make(map[string]*Record)
		}
		s.byChannel[c][connectionID] = rec
	}
	return nil
}

func (s *MemoryStore) ByUser(ctx context.Context, userID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*Record, 0, len(s.byUser[userID]))
	for _, rec := range s.byUser[userID] {
		recs = append(recs, cloneRecord(rec))
	}
	return recs, nil
}

func (s *MemoryStore) ByChannel(ctx context.Context, channel string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*Record, 0, len(s.byChannel[channel]))
	for _, rec := range s.byChannel[channel] {
		recs = append(recs, cloneRecord(rec))
	}
	return recs, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns), nil
}

// addIndexes and dropIndexes keep the secondary maps consistent with
// the primary map. Callers must hold the write lock.

func (s *MemoryStore) addIndexes(rec *Record) {
	if s.byUser[rec.UserID] == nil {
		s.byUser[rec.UserID] = make(map[string]*Record)
	}
	s.byUser[rec.UserID][rec.ConnectionID] = rec

	for _, c := range rec.Channels {
		if s.byChannel[c] == nil {
			s.byChannel[c] = make(map[string]*Record)
		}
		s.byChannel[c][rec.ConnectionID] = rec
	}
}

func (s *MemoryStore) dropIndexes(rec *Record) {
	if users, ok := s.byUser[rec.UserID]; ok {
		delete(users, rec.ConnectionID)
		if len(users) == 0 {
			delete(s.byUser, rec.UserID)
		}
	}
	for _, c := range rec.Channels {
		s.dropChannel(c, rec.ConnectionID)
	}
}

func (s *MemoryStore) dropChannel(channel, connectionID string) {
	if members, ok := s.byChannel[channel]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(s.byChannel, channel)
		}
	}
}

// cloneRecord copies a record so callers never alias store-owned state.
func cloneRecord(rec *Record) *Record {
	out := *rec
	out.Channels = append([]string(nil), rec.Channels...)
	return &out
}
