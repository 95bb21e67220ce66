package api

import "sync"

// GenerationStore keeps the most recent generations for GET /v1/generations/:id.
// The oldest entry is evicted once limit is reached.
type GenerationStore struct {
	mu    sync.Mutex
	limit int
	order []string
	items map[string]Generation
}

func NewGenerationStore(limit int) *GenerationStore {
	if limit <= 0 {
		limit = 64
	}
	return &GenerationStore{
		limit: limit,
		items: make(map[string]Generation),
	}
}

// Save inserts or replaces g.
func (s *GenerationStore) Save(g Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[g.ID]; !ok {
		s.order = append(s.order, g.ID)
		for len(s.order) > s.limit {
			delete(s.items, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.items[g.ID] = g
}

func (s *GenerationStore) Get(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.items[id]
	return g, ok
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *GenerationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
