// Package store persists per-user watchlists for the reference server and
// journals price snapshots observed by the client.
package store

import (
	"context"
	"errors"

	"stockwatch/internal/domain"
)

var (
	// ErrExists is returned by Add when the user already lists the symbol.
	ErrExists = errors.New("symbol already in watchlist")
	// ErrNotFound is returned by Remove when the user does not list the symbol.
	ErrNotFound = errors.New("symbol not in watchlist")
)

// WatchlistRepo persists watchlists keyed by user. Entries come back in the
// order they were added.
type WatchlistRepo interface {
	// List returns the user's entries in insertion order.
	List(ctx context.Context, user string) ([]domain.WatchEntry, error)

	// Add appends entry to the user's watchlist and returns the stored row.
	Add(ctx context.Context, user string, entry domain.WatchEntry) (domain.WatchEntry, error)

	// Remove deletes symbol from the user's watchlist.
	Remove(ctx context.Context, user, symbol string) error

	// Close releases the underlying resources.
	Close() error
}
