package bondstore

import (
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
)

// MemoryStore keeps items in process memory. It is the default store when no file is configured.
type MemoryStore struct {
	mu       sync.Mutex
	items    *hashmap.Map[ItemID, Record]
	garbage  int
	capacity int
}

// NewMemoryStore creates a store with room for capacity item writes between compactions.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		items:    hashmap.New[ItemID, Record](),
		capacity: capacity,
	}
}

func (s *MemoryStore) Write(id ItemID, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Len()+s.garbage >= s.capacity {
		return fmt.Errorf("write %s: %w", id, ErrNoSpace)
	}
	if _, exists := s.items.Get(id); exists {
		s.garbage++
	}
	s.items.Set(id, rec)
	return nil
}

func (s *MemoryStore) Read(id ItemID) (Record, error) {
	rec, ok := s.items.Get(id)
	if !ok {
		return Record{}, fmt.Errorf("read %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) List(group uint8) ([]ItemID, error) {
	ids := make([]ItemID, 0, s.items.Len())
	s.items.Range(func(id ItemID, _ Record) bool {
		if id.Group() == group {
			ids = append(ids, id)
		}
		return true
	})
	return sortIDs(ids), nil
}

func (s *MemoryStore) Delete(id ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.items.Del(id) {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	s.garbage++
	return nil
}

func (s *MemoryStore) Compact() error {
	s.mu.Lock()
	s.garbage = 0
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Live: s.items.Len(), Garbage: s.garbage, Capacity: s.capacity}
}
