package server

import (
	"context"
	"sync"
	"time"
)

// Store reserves session secrets so that two servers sharing a store never
// hand out the same secret.
type Store interface {
	Reserve(ctx context.Context, secret, owner string) (bool, error)
	Touch(ctx context.Context, secret string) error
	Release(ctx context.Context, secret string) error
	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	secrets map[string]memoryEntry
}

type memoryEntry struct {
	owner    string
	expireAt time.Time // zero means no expiry
}

// NewMemoryStore keeps reservations in process. A zero ttl keeps them until
// released.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		secrets: make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) expiry() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(m.ttl)
}

func (m *MemoryStore) Reserve(_ context.Context, secret, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.secrets[secret]; ok && (e.expireAt.IsZero() || time.Now().Before(e.expireAt)) {
		return false, nil
	}
	m.secrets[secret] = memoryEntry{owner: owner, expireAt: m.expiry()}
	return true, nil
}

func (m *MemoryStore) Touch(_ context.Context, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.secrets[secret]; ok {
		e.expireAt = m.expiry()
		m.secrets[secret] = e
	}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, secret)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
