package viewstate

import (
	"sync"
	"time"

	"stockwatch/internal/domain"
)

// InstrumentStore holds the latest known data for the instrument shown in a
// detail view.
type InstrumentStore struct {
	symbol string

	mu          sync.RWMutex
	companyName string
	latest      domain.PriceSnapshot
	hasLatest   bool
	inWatchlist bool
	staleSince  time.Time
	changed     notifier
}

// NewInstrumentStore creates a store for symbol.
func NewInstrumentStore(symbol string) *InstrumentStore {
	return &InstrumentStore{symbol: symbol, changed: newNotifier()}
}

// Symbol returns the instrument's symbol.
func (s *InstrumentStore) Symbol() string { return s.symbol }

// Changed returns a channel that receives a value after the store changes.
func (s *InstrumentStore) Changed() <-chan struct{} {
	return s.changed.ch
}

// Latest returns the most recent snapshot, if any.
func (s *InstrumentStore) Latest() (domain.PriceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// CompanyName returns the display name, if known.
func (s *InstrumentStore) CompanyName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.companyName
}

// SetCompanyName records the display name.
func (s *InstrumentStore) SetCompanyName(name string) {
	s.mu.Lock()
	s.companyName = name
	s.mu.Unlock()
	s.changed.notify()
}

// ApplySnapshot stores snap if it belongs to this instrument and is newer
// than the current value. Reports whether it was applied.
func (s *InstrumentStore) ApplySnapshot(snap domain.PriceSnapshot) bool {
	if snap.Symbol != s.symbol {
		return false
	}
	s.mu.Lock()
	if s.hasLatest && !snap.NewerThan(s.latest.FetchedAt) {
		s.mu.Unlock()
		return false
	}
	s.latest = snap
	s.hasLatest = true
	s.mu.Unlock()
	s.changed.notify()
	return true
}

// InWatchlist reports whether the instrument is on the user's watchlist.
func (s *InstrumentStore) InWatchlist() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inWatchlist
}

// SetInWatchlist updates the watchlist membership flag.
func (s *InstrumentStore) SetInWatchlist(v bool) {
	s.mu.Lock()
	s.inWatchlist = v
	s.mu.Unlock()
	s.changed.notify()
}

// MarkStale flags the data as stale from since, unless already stale.
func (s *InstrumentStore) MarkStale(since time.Time) {
	s.mu.Lock()
	if s.staleSince.IsZero() {
		s.staleSince = since
	}
	s.mu.Unlock()
	s.changed.notify()
}

// ClearStale removes the stale flag.
func (s *InstrumentStore) ClearStale() {
	s.mu.Lock()
	was := !s.staleSince.IsZero()
	s.staleSince = time.Time{}
	s.mu.Unlock()
	if was {
		s.changed.notify()
	}
}

// StaleSince returns when the data became stale, or the zero time.
func (s *InstrumentStore) StaleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staleSince
}
