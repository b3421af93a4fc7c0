package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Expired entries are dropped lazily on
// access.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryEntry
	revoked map[string]time.Time
	now     func() time.Time
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryEntry),
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

func (m *MemoryStore) Save(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = memoryEntry{rec: rec, expires: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if m.expired(e.expires) {
		delete(m.records, id)
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[id] = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.revoked[id]
	if !ok {
		return false, nil
	}
	if m.expired(at) {
		delete(m.revoked, id)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
