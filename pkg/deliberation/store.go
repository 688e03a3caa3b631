package deliberation

import (
	"context"
	"errors"
	"sync"
)

// ErrItemNotFound is returned for unknown or archived items.
var ErrItemNotFound = errors.New("deliberation: item not found")

// Store persists deliberation items so pending reviews survive process
// restarts with their deadlines intact. Save is a full upsert of the
// item's current state.
type Store interface {
	Save(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// ListPending returns every unresolved item, deadlines preserved.
	ListPending(ctx context.Context) ([]*Item, error)
	// Archive marks a resolved item; archived items leave ListPending
	// but remain readable.
	Archive(ctx context.Context, id string) error
}

// MemoryStore is the in-process Store for tests and single-node
// ephemeral deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]*Item
	archived map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]*Item),
		archived: make(map[string]bool),
	}
}

func (s *MemoryStore) Save(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *item
	s.items[item.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	clone := *item
	return &clone, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*Item
	for id, item := range s.items {
		if s.archived[id] || item.Outcome.Terminal() {
			continue
		}
		clone := *item
		pending = append(pending, &clone)
	}
	return pending, nil
}

func (s *MemoryStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrItemNotFound
	}
	s.archived[id] = true
	return nil
}
