// Package domain defines the core value types shared by the synchronization
// engine: watchlist entries, price snapshots, and mutation intents.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidSymbol is returned by NormalizeSymbol for malformed tickers.
var ErrInvalidSymbol = errors.New("invalid symbol")

// WatchEntry is one row of a user's watchlist. Price fields are null until the
// backend has confirmed the entry or a poll has populated them.
type WatchEntry struct {
	Symbol                 string
	CompanyName            string
	LastKnownPrice         decimal.NullDecimal
	LastKnownChange        decimal.NullDecimal
	LastKnownChangePercent decimal.NullDecimal
	AddedAt                time.Time
}

// Provisional reports whether the entry has no price data yet.
func (e WatchEntry) Provisional() bool {
	return !e.LastKnownPrice.Valid
}

// WithSnapshot returns a copy of e with its price fields taken from s.
func (e WatchEntry) WithSnapshot(s PriceSnapshot) WatchEntry {
	e.LastKnownPrice = decimal.NewNullDecimal(s.Price)
	e.LastKnownChange = decimal.NewNullDecimal(s.Change)
	e.LastKnownChangePercent = decimal.NewNullDecimal(s.ChangePercent)
	return e
}

// PriceSnapshot is an immutable observation of an instrument's price. A newer
// FetchedAt supersedes an older one.
type PriceSnapshot struct {
	Symbol        string
	Price         decimal.Decimal
	Change        decimal.Decimal
	ChangePercent decimal.Decimal
	FetchedAt     time.Time
}

// NewerThan reports whether s was fetched strictly after t.
func (s PriceSnapshot) NewerThan(t time.Time) bool {
	return s.FetchedAt.After(t)
}

// Quote is the result of a symbol search.
type Quote struct {
	Symbol             string
	Name               string
	Price              decimal.Decimal
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
}

// Snapshot converts q into a PriceSnapshot stamped with fetchedAt.
func (q Quote) Snapshot(fetchedAt time.Time) PriceSnapshot {
	return PriceSnapshot{
		Symbol:        q.Symbol,
		Price:         q.Price,
		Change:        q.PriceChange,
		ChangePercent: q.PriceChangePercent,
		FetchedAt:     fetchedAt,
	}
}

// Action identifies the kind of watchlist mutation.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionClear  Action = "clear"
)

// MutationIntent records a user-requested watchlist change while it is being
// confirmed. It is never persisted.
type MutationIntent struct {
	ID       uuid.UUID
	Kind     Action
	Symbol   string // empty for ActionClear
	IssuedAt time.Time
}

// NewIntent creates a MutationIntent with a fresh ID.
func NewIntent(kind Action, symbol string, now time.Time) MutationIntent {
	return MutationIntent{
		ID:       uuid.New(),
		Kind:     kind,
		Symbol:   symbol,
		IssuedAt: now,
	}
}

// EventWatchlistChanged is the bus event published after a confirmed mutation.
const EventWatchlistChanged = "watchlistChanged"

// WatchlistChanged is the payload of EventWatchlistChanged.
type WatchlistChanged struct {
	Action  Action
	Symbol  string   // empty for ActionClear
	Removed []string // ActionClear only: symbols the backend deleted
	Origin  string   // view that performed the mutation
}

// NormalizeSymbol trims and uppercases s and validates it as a ticker:
// 1-5 letters, optionally followed by a one-letter class suffix (BRK.B).
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	base, class, hasClass := strings.Cut(sym, ".")
	if len(base) < 1 || len(base) > 5 || !isLetters(base) {
		return "", ErrInvalidSymbol
	}
	if hasClass && (len(class) != 1 || !isLetters(class)) {
		return "", ErrInvalidSymbol
	}
	return sym, nil
}

func isLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
