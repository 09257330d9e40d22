package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process TTLStore double for tests. Arm schedules a
// timer that fires the sentinel's expiry callback; it does not require a
// real clock source because tests drive it with short real durations.
type Memory struct {
	mu        sync.Mutex
	data      map[string][]byte
	sentinels map[string]*time.Timer
	onExpire  func(key string)
}

// NewMemory creates an empty in-memory TTL store.
func NewMemory() *Memory {
	return &Memory{
		data:      make(map[string][]byte),
		sentinels: make(map[string]*time.Timer),
	}
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Arm creates or replaces the sentinel's expiry timer. Unlike Redis.Arm it
// never returns ErrSentinelMissing: it succeeds whether or not key was
// Put, and a sentinel that already fired can be armed again directly.
func (m *Memory) Arm(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.sentinels[key]; ok {
		t.Stop()
	}

	m.sentinels[key] = time.AfterFunc(ttl, func() {
		m.mu.Lock()
		delete(m.sentinels, key)
		cb := m.onExpire
		m.mu.Unlock()
		if cb != nil {
			cb(key)
		}
	})
	return nil
}

func (m *Memory) SubscribeExpiries(ctx context.Context, callback func(key string)) error {
	m.mu.Lock()
	m.onExpire = callback
	m.mu.Unlock()

	<-ctx.Done()
	return nil
}
