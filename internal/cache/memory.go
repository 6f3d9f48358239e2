package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is a process-local cache. Each key is replaced atomically; the last
// writer wins.
type Memory[V any] struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry[V]
	now     func() time.Time
}

func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{
		entries: make(map[string]memoryEntry[V]),
		now:     time.Now,
	}
}

// WithClock swaps the time source, for tests.
func (m *Memory[V]) WithClock(now func() time.Time) *Memory[V] {
	m.now = now
	return m
}

func (m *Memory[V]) Get(_ context.Context, key Key) (V, bool, error) {
	k := key.String()

	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		if cur, still := m.entries[k]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.entries, k)
		}
		m.mu.Unlock()

		var zero V
		return zero, false, nil
	}
	return e.value, true, nil
}

func (m *Memory[V]) Put(_ context.Context, key Key, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.entries[key.String()] = memoryEntry[V]{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory[V]) Invalidate(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.entries, key.String())
	m.mu.Unlock()
	return nil
}

// Len counts stored entries, expired ones included until they are next read.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
