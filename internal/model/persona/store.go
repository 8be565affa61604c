package persona

// Store exposes persona retrieval for HTTP handlers and relays.
type Store interface {
	List() []Public
	FindByID(id string) (Persona, bool)
}

// MemoryStore implements Store over an immutable snapshot taken at construction.
type MemoryStore struct {
	items []Persona
	byID  map[string]int
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas. Later ids
// shadow earlier duplicates; callers that need strictness run Validate first.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{
		items: append([]Persona(nil), items...),
		byID:  make(map[string]int, len(items)),
	}
	for i, item := range s.items {
		s.byID[item.ID] = i
	}
	return s
}

// List returns the public listing in roster order.
func (s *MemoryStore) List() []Public {
	out := make([]Public, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Public())
	}
	return out
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return Persona{}, false
	}
	return s.items[idx], true
}
