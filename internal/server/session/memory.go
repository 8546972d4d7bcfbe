package session

import (
	"context"
	"maps"
	"sync"
	"time"
)

type memoryEntry struct {
	data      map[string]string
	expiresAt time.Time
}

// MemoryStore keeps sessions in a process-local map. Sessions do not
// survive a restart and are not shared between instances.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

func (m *MemoryStore) Load(_ context.Context, id string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, nil
	}
	return maps.Clone(e.data), nil
}

func (m *MemoryStore) Save(_ context.Context, id string, data map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data == nil {
		data = map[string]string{}
	}
	m.sessions[id] = memoryEntry{data: maps.Clone(data), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// DeleteExpired drops expired entries.
func (m *MemoryStore) DeleteExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for id, e := range m.sessions {
		if !now.Before(e.expiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
