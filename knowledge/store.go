package knowledge

import (
	"context"
	"sort"
	"sync"
)

// Store gives read access to the knowledge base.
type Store interface {
	ActiveEntries(ctx context.Context) ([]Entry, error)
	EntryByID(ctx context.Context, id int) (*Entry, error)
}

// MemoryStore is an in-process Store, used for seeds loaded from files and in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	categories map[int]Category
	entries    map[int]Entry
	err        error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories: make(map[int]Category),
		entries:    make(map[int]Entry),
	}
}

// PutCategory inserts or replaces a category.
func (s *MemoryStore) PutCategory(category Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[int(category.ID)] = category
}

// PutEntry inserts or replaces an entry; keywords are normalized on the way in.
func (s *MemoryStore) PutEntry(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry.clone()
	copied.Keywords = normalizeKeywordSet(copied.Keywords)
	s.entries[entry.ID] = copied
}

// SetError makes every read fail with err until it is cleared with nil.
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryStore) ActiveEntries(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		category, ok := s.categories[entry.CategoryID]
		if !entry.Active || !ok || !category.Active {
			continue
		}
		copied := *entry.clone()
		copied.CategoryName = category.Name
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) EntryByID(ctx context.Context, id int) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	copied := entry.clone()
	if category, ok := s.categories[entry.CategoryID]; ok {
		copied.CategoryName = category.Name
	}
	return copied, nil
}

// Categories lists active categories ordered by id.
func (s *MemoryStore) Categories(ctx context.Context) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Category, 0, len(s.categories))
	for _, category := range s.categories {
		if category.Active {
			out = append(out, category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
