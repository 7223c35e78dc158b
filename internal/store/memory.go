package store

import (
	"context"
	"slices"
	"sync"

	"stockwatch/internal/domain"
)

var _ WatchlistRepo = (*MemoryRepo)(nil)

// MemoryRepo is a process-local WatchlistRepo used for tests and for running
// the server without a database.
type MemoryRepo struct {
	mu    sync.Mutex
	lists map[string][]domain.WatchEntry
}

// NewMemoryRepo returns an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{lists: make(map[string][]domain.WatchEntry)}
}

func (m *MemoryRepo) List(_ context.Context, user string) ([]domain.WatchEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lists[user]), nil
}

func (m *MemoryRepo) Add(_ context.Context, user string, entry domain.WatchEntry) (domain.WatchEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.lists[user] {
		if e.Symbol == entry.Symbol {
			return domain.WatchEntry{}, ErrExists
		}
	}
	m.lists[user] = append(m.lists[user], entry)
	return entry, nil
}

func (m *MemoryRepo) Remove(_ context.Context, user, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[user]
	i := slices.IndexFunc(list, func(e domain.WatchEntry) bool { return e.Symbol == symbol })
	if i < 0 {
		return ErrNotFound
	}
	m.lists[user] = slices.Delete(list, i, i+1)
	return nil
}

func (m *MemoryRepo) Close() error { return nil }
