// Package clientstore persists the small amount of per-client state that
// survives restarts: the selected user, the draft queue and the session
// marker.
package clientstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is a string key/value store with optional expiry. A zero ttl keeps
// the value forever.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Scoped prefixes every key with a client id so clients sharing one backing
// store never see each other's state.
type Scoped struct {
	store  Store
	prefix string
}

// NewScoped returns a view of store restricted to clientID.
func NewScoped(store Store, clientID string) *Scoped {
	return &Scoped{store: store, prefix: "daily_log:client:" + strings.TrimSpace(clientID) + ":"}
}

func (s *Scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.Get(ctx, s.prefix+key)
}

func (s *Scoped) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.store.Set(ctx, s.prefix+key, value, ttl)
}

func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.prefix+key)
}

// MemoryStore keeps values in-process.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore builds an empty in-process store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[string]memoryItem), now: now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", false, nil
	}
	return item.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
