package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Register for tests and embedding.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memEntry{}, now: time.Now}
}

// SetClock overrides the time source used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func memKey(namespace, key string) string { return namespace + "\x00" + key }

func (m *Memory) get(k string) ([]byte, bool) {
	e, ok := m.entries[k]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, k)
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (m *Memory) put(k string, value []byte, ttl time.Duration) {
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[k] = memEntry{value: v, expiresAt: m.now().Add(ttl)}
}

func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(memKey(namespace, key))
	return v, ok, nil
}

func (m *Memory) Put(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(memKey(namespace, key), value, ttl)
	return nil
}

func (m *Memory) Forget(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey(namespace, key))
	return nil
}

func (m *Memory) Update(_ context.Context, namespace, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(namespace, key)
	cur, ok := m.get(k)
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	m.put(k, next, ttl)
	return nil
}
