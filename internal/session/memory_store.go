package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cmms/api/internal/workflow"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is the in-process fallback used when no Redis URL is
// configured. Sessions are stored serialized so callers never share state.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]memoryEntry{},
	}
}

func (m *MemoryStore) Save(_ context.Context, fs *workflow.Session) error {
	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshal form session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[fs.ID] = memoryEntry{data: data, expiresAt: now.Add(m.ttl)}
	for id, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*workflow.Session, error) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok && m.now().After(entry.expiresAt) {
		delete(m.entries, id)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	var fs workflow.Session
	if err := json.Unmarshal(entry.data, &fs); err != nil {
		return nil, fmt.Errorf("unmarshal form session: %w", err)
	}
	if fs.Values == nil {
		fs.Values = map[string]string{}
	}
	return &fs, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}
