package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TTL cache with a size bound.
type Memory struct {
	mu      sync.RWMutex
	data    map[string]item
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type item struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory returns a cache holding at most maxSize entries. Expired entries
// are swept every cleanupInterval until Close is called.
func NewMemory(maxSize int, cleanupInterval time.Duration) *Memory {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &Memory{
		data:    make(map[string]item),
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.cleanup(cleanupInterval)
	return m
}

// Get returns a live entry.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.data[key]
	if !ok || !m.now().Before(it.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), it.value...), true, nil
}

// Set stores a copy of payload for ttl, evicting an entry when full.
func (m *Memory) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists && len(m.data) >= m.maxSize {
		m.evictLocked()
	}
	m.data[key] = item{
		value:     append([]byte(nil), payload...),
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

// evictLocked drops an expired entry if there is one, otherwise any entry.
func (m *Memory) evictLocked() {
	now := m.now()
	for k, it := range m.data {
		if !now.Before(it.expiresAt) {
			delete(m.data, k)
			return
		}
	}
	for k := range m.data {
		delete(m.data, k)
		return
	}
}

// Invalidate removes key.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close stops the cleanup goroutine.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, it := range m.data {
		if !now.Before(it.expiresAt) {
			delete(m.data, k)
		}
	}
}
