package session

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stockwatch/internal/domain"
	"stockwatch/internal/mutation"
	"stockwatch/pkg/stockwatch"
)

// API is the part of the stockwatch SDK the engine uses. *stockwatch.Client
// satisfies it.
type API interface {
	Health(ctx context.Context) error
	Search(ctx context.Context, symbol string) (*stockwatch.QuoteResponse, error)
	Watchlist(ctx context.Context) ([]stockwatch.WatchlistItem, error)
	AddToWatchlist(ctx context.Context, symbol string) (*stockwatch.WatchlistItem, error)
	RemoveFromWatchlist(ctx context.Context, symbol string) error
}

var _ API = (*stockwatch.Client)(nil)

// backend adapts API to mutation.Backend.
type backend struct {
	api API
}

var _ mutation.Backend = backend{}

func (b backend) Add(ctx context.Context, symbol string) (domain.WatchEntry, error) {
	item, err := b.api.AddToWatchlist(ctx, symbol)
	if err != nil {
		return domain.WatchEntry{}, err
	}
	return entryFromItem(*item), nil
}

func (b backend) Remove(ctx context.Context, symbol string) error {
	return b.api.RemoveFromWatchlist(ctx, symbol)
}

func nullDecimal(f *float64) decimal.NullDecimal {
	if f == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*f))
}

func entryFromItem(it stockwatch.WatchlistItem) domain.WatchEntry {
	return domain.WatchEntry{
		Symbol:                 it.Symbol,
		CompanyName:            it.CompanyName,
		LastKnownPrice:         nullDecimal(it.LastKnownPrice),
		LastKnownChange:        nullDecimal(it.LastKnownChange),
		LastKnownChangePercent: nullDecimal(it.LastKnownChangePercent),
		AddedAt:                it.AddedAt,
	}
}

func entriesFromItems(items []stockwatch.WatchlistItem) []domain.WatchEntry {
	out := make([]domain.WatchEntry, 0, len(items))
	for _, it := range items {
		out = append(out, entryFromItem(it))
	}
	return out
}

func quoteFromResponse(r stockwatch.QuoteResponse) domain.Quote {
	return domain.Quote{
		Symbol:             r.Symbol,
		Name:               r.Name,
		Price:              decimal.NewFromFloat(r.Price),
		PriceChange:        decimal.NewFromFloat(r.PriceChange),
		PriceChangePercent: decimal.NewFromFloat(r.PriceChangePercent),
	}
}

// snapshotOf converts a search response into a snapshot. A zero fetchedAt is
// stamped by the scheduler with the call's issue time.
func snapshotOf(r stockwatch.QuoteResponse, fetchedAt time.Time) domain.PriceSnapshot {
	return quoteFromResponse(r).Snapshot(fetchedAt)
}
