package stockwatch

import "time"

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Symbol string `json:"symbol"`
}

// QuoteResponse is returned by POST /search.
type QuoteResponse struct {
	Symbol             string  `json:"symbol"`
	Name               string  `json:"name"`
	Price              float64 `json:"price"`
	PriceChange        float64 `json:"priceChange"`
	PriceChangePercent float64 `json:"priceChangePercent"`
}

// WatchlistItem is one row of GET /watchlist and the body of a successful
// POST /watchlist. Price fields are null when unknown.
type WatchlistItem struct {
	Symbol                 string    `json:"symbol"`
	CompanyName            string    `json:"companyName"`
	LastKnownPrice         *float64  `json:"lastKnownPrice"`
	LastKnownChange        *float64  `json:"lastKnownChange"`
	LastKnownChangePercent *float64  `json:"lastKnownChangePercent"`
	AddedAt                time.Time `json:"addedAt"`
}

// AddRequest is the body of POST /watchlist.
type AddRequest struct {
	Symbol string `json:"symbol"`
}

// ErrorResponse is the body of a non-success response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ChartBar is one daily bar of GET /chart/{symbol}.
type ChartBar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume uint64    `json:"volume"`
}

// ChartResponse is returned by GET /chart/{symbol}.
type ChartResponse struct {
	Symbol string     `json:"symbol"`
	Bars   []ChartBar `json:"bars"`
}

// NewsArticle is a single news article.
type NewsArticle struct {
	Time     time.Time `json:"time"`
	Source   string    `json:"source"`
	Headline string    `json:"headline"`
	Content  string    `json:"content,omitempty"`
}

// NewsResponse is returned by GET /news/{symbol}.
type NewsResponse struct {
	Symbol   string        `json:"symbol"`
	Articles []NewsArticle `json:"articles"`
}
