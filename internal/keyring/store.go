package keyring

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists signing keys.
type Store interface {
	// Create inserts a new key.
	Create(ctx context.Context, key *Key) error
	// Get retrieves a key by ID, active or not.
	Get(ctx context.Context, id string) (*Key, error)
	// ListActive returns active keys, newest first.
	ListActive(ctx context.Context) ([]*Key, error)
	// Deactivate marks one key inactive.
	Deactivate(ctx context.Context, id string) error
	// DeactivateAllBefore marks every active key created before the cutoff
	// inactive and returns how many were deactivated.
	DeactivateAllBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory key store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Key
}

// NewMemoryStore creates a new in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Key)}
}

func (m *MemoryStore) Create(ctx context.Context, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*Key
	for _, key := range m.keys {
		if key.Active {
			cp := *key
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	key.Active = false
	return nil
}

func (m *MemoryStore) DeactivateAllBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, key := range m.keys {
		if key.Active && key.CreatedAt.Before(cutoff) {
			key.Active = false
			count++
		}
	}
	return count, nil
}
