package httpapi

import (
	"github.com/shopspring/decimal"

	"stockwatch/internal/domain"
	"stockwatch/internal/news"
	"stockwatch/pkg/stockwatch"
)

// Conversions between domain values and the JSON wire types.

func quoteJSON(q domain.Quote) stockwatch.QuoteResponse {
	return stockwatch.QuoteResponse{
		Symbol:             q.Symbol,
		Name:               q.Name,
		Price:              q.Price.InexactFloat64(),
		PriceChange:        q.PriceChange.InexactFloat64(),
		PriceChangePercent: q.PriceChangePercent.InexactFloat64(),
	}
}

func nullFloat(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func watchItemJSON(e domain.WatchEntry) stockwatch.WatchlistItem {
	return stockwatch.WatchlistItem{
		Symbol:                 e.Symbol,
		CompanyName:            e.CompanyName,
		LastKnownPrice:         nullFloat(e.LastKnownPrice),
		LastKnownChange:        nullFloat(e.LastKnownChange),
		LastKnownChangePercent: nullFloat(e.LastKnownChangePercent),
		AddedAt:                e.AddedAt,
	}
}

func articlesJSON(articles []news.Article) []stockwatch.NewsArticle {
	out := make([]stockwatch.NewsArticle, 0, len(articles))
	for _, a := range articles {
		out = append(out, stockwatch.NewsArticle{
			Time:     a.Time,
			Source:   a.Source,
			Headline: a.Headline,
			Content:  a.Content,
		})
	}
	return out
}
