package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"stockwatch/internal/domain"
	"stockwatch/pkg/stockwatch"
)

// ErrUnknownSymbol is returned by a QuoteSource for a symbol it cannot quote.
var ErrUnknownSymbol = errors.New("unknown symbol")

// QuoteSource produces live quotes.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
}

// ChartSource produces daily bars.
type ChartSource interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]stockwatch.ChartBar, error)
}

// AlpacaSource quotes from Alpaca market data snapshots and names symbols
// from the Alpaca asset list. It implements QuoteSource and ChartSource.
type AlpacaSource struct {
	md     *marketdata.Client
	trader *alpacaapi.Client
	feed   string
}

// NewAlpacaSource creates an AlpacaSource. An empty dataURL or baseURL uses
// the SDK default.
func NewAlpacaSource(apiKey, apiSecret, baseURL, dataURL, feed string) *AlpacaSource {
	mdOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		mdOpts.BaseURL = dataURL
	}
	trOpts := alpacaapi.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		trOpts.BaseURL = baseURL
	}
	return &AlpacaSource{
		md:     marketdata.NewClient(mdOpts),
		trader: alpacaapi.NewClient(trOpts),
		feed:   feed,
	}
}

// MarketData exposes the underlying market data client for the news fetcher.
func (a *AlpacaSource) MarketData() *marketdata.Client { return a.md }

// Quote returns the latest trade price and the change against the previous
// daily close.
func (a *AlpacaSource) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return domain.Quote{}, err
	}
	snap, err := a.md.GetSnapshot(symbol, marketdata.GetSnapshotRequest{Feed: marketdata.Feed(a.feed)})
	if err != nil {
		if isNotFound(err) {
			return domain.Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
		}
		return domain.Quote{}, fmt.Errorf("GetSnapshot %s: %w", symbol, err)
	}
	if snap == nil || (snap.LatestTrade == nil && snap.DailyBar == nil) {
		return domain.Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}

	var price float64
	if snap.LatestTrade != nil {
		price = snap.LatestTrade.Price
	} else {
		price = snap.DailyBar.Close
	}

	q := domain.Quote{
		Symbol: symbol,
		Name:   a.name(symbol),
		Price:  decimal.NewFromFloat(price),
	}
	if snap.PrevDailyBar != nil && snap.PrevDailyBar.Close > 0 {
		prev := decimal.NewFromFloat(snap.PrevDailyBar.Close)
		q.PriceChange = q.Price.Sub(prev)
		q.PriceChangePercent = q.PriceChange.Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return q, nil
}

func (a *AlpacaSource) name(symbol string) string {
	asset, err := a.trader.GetAsset(symbol)
	if err != nil || asset == nil {
		return symbol
	}
	return asset.Name
}

// DailyBars returns daily bars for symbol within [start, end].
func (a *AlpacaSource) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]stockwatch.ChartBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := a.md.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      marketdata.Feed(a.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	out := make([]stockwatch.ChartBar, 0, len(bars))
	for _, b := range bars {
		out = append(out, stockwatch.ChartBar{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	return out, nil
}

func isNotFound(err error) bool {
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity
	}
	return strings.Contains(err.Error(), "not found")
}
