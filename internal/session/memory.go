package session

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process memory; they are lost on restart
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session)}
}

func (m *MemoryStore) Get(_ context.Context, chatID int64) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[chatID]
	if !ok {
		return Session{}, false, nil
	}
	s.Seen = append([]string(nil), s.Seen...)
	return s, true, nil
}

func (m *MemoryStore) Set(_ context.Context, s Session) error {
	s.Seen = append([]string(nil), s.Seen...)

	m.mu.Lock()
	m.sessions[s.ChatID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, chatID int64) error {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
