package posstore

import (
	"sync"

	"nuha.dev/busrelay/internal/fix"
)

// Store keeps the latest fix per vehicle id. Entries are never evicted.
type Store struct {
	mu   sync.RWMutex
	list map[string]*fix.Fix
}

func New() *Store {
	return &Store{list: make(map[string]*fix.Fix)}
}

// Upsert replaces whatever was stored for id.
func (s *Store) Upsert(id string, f *fix.Fix) {
	s.mu.Lock()
	s.list[id] = f
	s.mu.Unlock()
}

// Snapshot returns the current entries in no particular order.
func (s *Store) Snapshot() []*fix.Fix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*fix.Fix, 0, len(s.list))
	for _, f := range s.list {
		out = append(out, f)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}
