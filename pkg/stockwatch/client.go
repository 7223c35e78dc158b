// Package stockwatch is a Go SDK for the stockwatch REST API: health,
// symbol search, watchlist management, charts, and news.
package stockwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every call made by a Client.
const DefaultTimeout = 10 * time.Second

// AuthFunc returns the headers that authenticate a request. It fails when no
// credential is available.
type AuthFunc func(ctx context.Context) (http.Header, error)

// BearerToken returns an AuthFunc that sends a static bearer token. An empty
// token yields ErrUnauthenticated.
func BearerToken(token string) AuthFunc {
	return func(context.Context) (http.Header, error) {
		if token == "" {
			return nil, ErrUnauthenticated
		}
		h := make(http.Header)
		h.Set("Authorization", "Bearer "+token)
		return h, nil
	}
}

// Client provides a Go SDK for interacting with the stockwatch API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthFunc
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithAuth sets the credential source.
func WithAuth(auth AuthFunc) Option {
	return func(c *Client) { c.auth = auth }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new stockwatch API client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Health probes GET /health. It needs no credential.
func (c *Client) Health(ctx context.Context) error {
	var out HealthResponse
	return c.do(ctx, "health", http.MethodGet, "/health", nil, false, &out)
}

// Search quotes a symbol via POST /search.
func (c *Client) Search(ctx context.Context, symbol string) (*QuoteResponse, error) {
	var out QuoteResponse
	if err := c.do(ctx, "search "+symbol, http.MethodPost, "/search", SearchRequest{Symbol: symbol}, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watchlist lists the user's watchlist in display order.
func (c *Client) Watchlist(ctx context.Context) ([]WatchlistItem, error) {
	var out []WatchlistItem
	if err := c.do(ctx, "list watchlist", http.MethodGet, "/watchlist", nil, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddToWatchlist adds symbol and returns the confirmed entry. A 409 maps to
// ErrConflict. If the server answers without a body, the returned item
// carries only the symbol.
func (c *Client) AddToWatchlist(ctx context.Context, symbol string) (*WatchlistItem, error) {
	out := WatchlistItem{Symbol: symbol}
	if err := c.do(ctx, "add "+symbol, http.MethodPost, "/watchlist", AddRequest{Symbol: symbol}, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveFromWatchlist deletes symbol. A 404 maps to ErrConflict.
func (c *Client) RemoveFromWatchlist(ctx context.Context, symbol string) error {
	err := c.do(ctx, "remove "+symbol, http.MethodDelete, "/watchlist/"+url.PathEscape(symbol), nil, true, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		apiErr.Conflict = true
	}
	return err
}

// Chart retrieves daily bars for symbol.
func (c *Client) Chart(ctx context.Context, symbol string) (*ChartResponse, error) {
	var out ChartResponse
	if err := c.do(ctx, "chart "+symbol, http.MethodGet, "/chart/"+url.PathEscape(symbol), nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// News retrieves recent articles for symbol.
func (c *Client) News(ctx context.Context, symbol string) (*NewsResponse, error) {
	var out NewsResponse
	if err := c.do(ctx, "news "+symbol, http.MethodGet, "/news/"+url.PathEscape(symbol), nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, auth bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if auth {
		if c.auth == nil {
			return fmt.Errorf("%s: %w", op, ErrUnauthenticated)
		}
		h, err := c.auth(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				return fmt.Errorf("%s: %w", op, err)
			}
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthenticated, err)
		}
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return &RateLimitError{Op: op, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
			Conflict:   resp.StatusCode == http.StatusConflict,
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(data))
}
