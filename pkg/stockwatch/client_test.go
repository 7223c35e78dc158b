package stockwatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8080/"
	c := NewClient(baseURL)

	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trimmed baseURL, got %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.timeout, DefaultTimeout)
	}
}

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithAuth(BearerToken("secret")), WithTimeout(2*time.Second))
}

func TestSearch(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req SearchRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(QuoteResponse{Symbol: req.Symbol, Name: "Apple Inc.", Price: 190.12})
	})

	q, err := c.Search(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if q.Symbol != "AAPL" || q.Price != 190.12 {
		t.Errorf("unexpected quote: %+v", q)
	}
}

func TestRateLimitedWithRetryAfter(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Search(context.Background(), "AAPL")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	d, ok := RetryAfterOf(err)
	if !ok || d != 7*time.Second {
		t.Errorf("RetryAfterOf = (%v, %v), want (7s, true)", d, ok)
	}
}

func TestRateLimitedWithoutHint(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Search(context.Background(), "AAPL")
	if d, ok := RetryAfterOf(err); !ok || d != 0 {
		t.Errorf("RetryAfterOf = (%v, %v), want (0, true)", d, ok)
	}
}

func TestRejected(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "upstream down"})
	})

	_, err := c.AddToWatchlist(context.Background(), "AAPL")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream down" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestConflicts(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	if _, err := c.AddToWatchlist(context.Background(), "AAPL"); !errors.Is(err, ErrConflict) {
		t.Errorf("add err = %v, want ErrConflict", err)
	}
	if err := c.RemoveFromWatchlist(context.Background(), "AAPL"); !errors.Is(err, ErrConflict) {
		t.Errorf("remove err = %v, want ErrConflict", err)
	}
}

func TestTimeoutIsTransport(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, WithAuth(BearerToken("secret")), WithTimeout(50*time.Millisecond))
	_, err := c.Watchlist(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("timeout must not look like a rate limit")
	}
}

func TestUnauthenticated(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			called.Store(true)
		}
	}))
	defer srv.Close()

	for _, c := range []*Client{
		NewClient(srv.URL),
		NewClient(srv.URL, WithAuth(BearerToken(""))),
	} {
		if _, err := c.Watchlist(context.Background()); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	}
	if called.Load() {
		t.Error("no request should be sent without a credential")
	}

	// Health needs no credential.
	if err := NewClient(srv.URL).Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestWatchlistDecodesNulls(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"AAPL","companyName":"Apple Inc.","lastKnownPrice":190.12},{"symbol":"MSFT","lastKnownPrice":null}]`))
	})

	items, err := c.Watchlist(context.Background())
	if err != nil {
		t.Fatalf("Watchlist: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].LastKnownPrice == nil || *items[0].LastKnownPrice != 190.12 {
		t.Errorf("AAPL price = %v", items[0].LastKnownPrice)
	}
	if items[1].LastKnownPrice != nil {
		t.Errorf("MSFT price should be null, got %v", *items[1].LastKnownPrice)
	}
}

func TestDecodeFailureIsTransport(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})
	if _, err := c.Search(context.Background(), "AAPL"); !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
