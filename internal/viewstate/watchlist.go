// Package viewstate holds the per-view snapshots that rendering consumes: the
// ordered watchlist and a single instrument's latest price. Stores are owned
// by the view that created them; other views learn about changes through the
// event bus and never receive a mutable reference.
package viewstate

import (
	"sync"
	"time"

	"stockwatch/internal/domain"
)

// notifier is a coalescing change signal: any number of changes between two
// reads collapse into one wake-up.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier {
	return notifier{ch: make(chan struct{}, 1)}
}

func (n notifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// WatchlistStore holds the ordered entries of one watchlist view.
type WatchlistStore struct {
	mu         sync.RWMutex
	entries    []domain.WatchEntry
	fetchedAt  map[string]time.Time     // last applied snapshot time per symbol
	pending    map[string]domain.Action // symbols with an unresolved mutation
	staleSince time.Time
	changed    notifier
}

// NewWatchlistStore creates an empty store.
func NewWatchlistStore() *WatchlistStore {
	return &WatchlistStore{
		fetchedAt: make(map[string]time.Time),
		pending:   make(map[string]domain.Action),
		changed:   newNotifier(),
	}
}

// Changed returns a channel that receives a value after the store changes.
func (s *WatchlistStore) Changed() <-chan struct{} {
	return s.changed.ch
}

// Snapshot returns a copy of the entries in display order.
func (s *WatchlistStore) Snapshot() []domain.WatchEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WatchEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Symbols returns the symbols in display order.
func (s *WatchlistStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Symbol
	}
	return out
}

// Len returns the number of entries.
func (s *WatchlistStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Contains reports whether symbol is in the list.
func (s *WatchlistStore) Contains(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOf(symbol) >= 0
}

// Get returns the entry for symbol.
func (s *WatchlistStore) Get(symbol string) (domain.WatchEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(symbol); i >= 0 {
		return s.entries[i], true
	}
	return domain.WatchEntry{}, false
}

// indexOf must be called with mu held.
func (s *WatchlistStore) indexOf(symbol string) int {
	for i := range s.entries {
		if s.entries[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

// Append adds e at the end. Returns false if the symbol is already present.
func (s *WatchlistStore) Append(e domain.WatchEntry) bool {
	s.mu.Lock()
	if s.indexOf(e.Symbol) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	s.changed.notify()
	return true
}

// Insert places e at index, clamped to the current length. Returns false if
// the symbol is already present.
func (s *WatchlistStore) Insert(index int, e domain.WatchEntry) bool {
	s.mu.Lock()
	if s.indexOf(e.Symbol) >= 0 {
		s.mu.Unlock()
		return false
	}
	if index < 0 {
		index = 0
	}
	if index > len(s.entries) {
		index = len(s.entries)
	}
	s.entries = append(s.entries, domain.WatchEntry{})
	copy(s.entries[index+1:], s.entries[index:])
	s.entries[index] = e
	s.mu.Unlock()
	s.changed.notify()
	return true
}

// Remove deletes symbol and returns its former index and entry.
func (s *WatchlistStore) Remove(symbol string) (int, domain.WatchEntry, bool) {
	s.mu.Lock()
	i := s.indexOf(symbol)
	if i < 0 {
		s.mu.Unlock()
		return -1, domain.WatchEntry{}, false
	}
	e := s.entries[i]
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.mu.Unlock()
	s.changed.notify()
	return i, e, true
}

// ClearForRemoval empties the store and marks every former entry as a pending
// removal in the same critical section, so a concurrent Replace cannot bring
// them back. Returns the removed entries in order.
func (s *WatchlistStore) ClearForRemoval() []domain.WatchEntry {
	s.mu.Lock()
	old := s.entries
	s.entries = nil
	for _, e := range old {
		s.pending[e.Symbol] = domain.ActionRemove
	}
	s.mu.Unlock()
	s.changed.notify()
	return old
}

// Reconcile merges server-confirmed fields into the existing entry for
// e.Symbol, keeping its position. Null price fields in e do not erase known
// values. Returns false if the symbol is absent.
func (s *WatchlistStore) Reconcile(e domain.WatchEntry) bool {
	s.mu.Lock()
	i := s.indexOf(e.Symbol)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	cur := &s.entries[i]
	if e.CompanyName != "" {
		cur.CompanyName = e.CompanyName
	}
	if e.LastKnownPrice.Valid {
		cur.LastKnownPrice = e.LastKnownPrice
	}
	if e.LastKnownChange.Valid {
		cur.LastKnownChange = e.LastKnownChange
	}
	if e.LastKnownChangePercent.Valid {
		cur.LastKnownChangePercent = e.LastKnownChangePercent
	}
	if !e.AddedAt.IsZero() {
		cur.AddedAt = e.AddedAt
	}
	s.mu.Unlock()
	s.changed.notify()
	return true
}

// MarkPending records an unresolved mutation on symbol.
func (s *WatchlistStore) MarkPending(symbol string, kind domain.Action) {
	s.mu.Lock()
	s.pending[symbol] = kind
	s.mu.Unlock()
}

// ResolvePending clears the pending marker on symbol.
func (s *WatchlistStore) ResolvePending(symbol string) {
	s.mu.Lock()
	delete(s.pending, symbol)
	s.mu.Unlock()
}

// Pending reports the unresolved mutation kind on symbol, if any.
func (s *WatchlistStore) Pending(symbol string) (domain.Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.pending[symbol]
	return k, ok
}

// FetchedAt returns the fetch time of the last snapshot applied to symbol.
func (s *WatchlistStore) FetchedAt(symbol string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt[symbol]
}

// ApplySnapshot updates the price fields of snap.Symbol when snap is newer
// than the last applied snapshot for that symbol. Symbols that are absent or
// have a pending mutation are left alone. Reports whether snap was applied.
func (s *WatchlistStore) ApplySnapshot(snap domain.PriceSnapshot) bool {
	s.mu.Lock()
	if _, busy := s.pending[snap.Symbol]; busy {
		s.mu.Unlock()
		return false
	}
	i := s.indexOf(snap.Symbol)
	if i < 0 || !snap.NewerThan(s.fetchedAt[snap.Symbol]) {
		s.mu.Unlock()
		return false
	}
	s.entries[i] = s.entries[i].WithSnapshot(snap)
	s.fetchedAt[snap.Symbol] = snap.FetchedAt
	s.mu.Unlock()
	s.changed.notify()
	return true
}

// Replace resynchronizes the store with the backend's list, fetched at asOf.
// Pending removals stay removed, pending adds missing from the server list
// are kept, and local prices are preserved when newer than asOf or when the
// server has none.
func (s *WatchlistStore) Replace(server []domain.WatchEntry, asOf time.Time) {
	s.mu.Lock()
	local := make(map[string]domain.WatchEntry, len(s.entries))
	for _, e := range s.entries {
		local[e.Symbol] = e
	}

	next := make([]domain.WatchEntry, 0, len(server))
	seen := make(map[string]bool, len(server))
	for _, e := range server {
		if seen[e.Symbol] {
			continue
		}
		seen[e.Symbol] = true
		if s.pending[e.Symbol] == domain.ActionRemove {
			continue
		}
		if cur, ok := local[e.Symbol]; ok && (s.fetchedAt[e.Symbol].After(asOf) || !e.LastKnownPrice.Valid) {
			e.LastKnownPrice = cur.LastKnownPrice
			e.LastKnownChange = cur.LastKnownChange
			e.LastKnownChangePercent = cur.LastKnownChangePercent
		} else if e.LastKnownPrice.Valid {
			s.fetchedAt[e.Symbol] = asOf
		}
		next = append(next, e)
	}
	for _, e := range s.entries {
		if !seen[e.Symbol] && s.pending[e.Symbol] == domain.ActionAdd {
			next = append(next, e)
		}
	}
	s.entries = next
	s.mu.Unlock()
	s.changed.notify()
}

// MarkStale flags the list as stale from since, unless already stale.
func (s *WatchlistStore) MarkStale(since time.Time) {
	s.mu.Lock()
	if s.staleSince.IsZero() {
		s.staleSince = since
	}
	s.mu.Unlock()
	s.changed.notify()
}

// ClearStale removes the stale flag.
func (s *WatchlistStore) ClearStale() {
	s.mu.Lock()
	was := !s.staleSince.IsZero()
	s.staleSince = time.Time{}
	s.mu.Unlock()
	if was {
		s.changed.notify()
	}
}

// StaleSince returns when the data became stale, or the zero time.
func (s *WatchlistStore) StaleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staleSince
}
