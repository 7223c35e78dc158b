// Package httpapi serves the stockwatch REST contract: health, symbol search,
// per-user watchlists, charts and news.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/domain"
	"stockwatch/internal/news"
	"stockwatch/internal/store"
	"stockwatch/internal/util"
	"stockwatch/pkg/stockwatch"
)

// NewsSource returns recent articles about a symbol.
type NewsSource interface {
	Fetch(ctx context.Context, symbol string, start, end time.Time) ([]news.Article, error)
}

// priceUpdater is implemented by repos that keep a last known price per row.
type priceUpdater interface {
	UpdatePrice(ctx context.Context, snap domain.PriceSnapshot) error
}

// Options configures a Server. Repo and Quotes are required.
type Options struct {
	Repo   store.WatchlistRepo
	Quotes QuoteSource
	Charts ChartSource // nil disables /chart
	News   NewsSource  // nil disables /news

	Cache    QuoteCache // nil disables caching
	CacheTTL time.Duration

	RateLimitPerMin int // per user; 0 disables limiting
	RateLimitBurst  int

	ChartDays int
	NewsDays  int

	Clock  util.Clock
	Logger *slog.Logger
}

// Server serves the REST API.
type Server struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*util.RateLimiter
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Second
	}
	if opts.ChartDays <= 0 {
		opts.ChartDays = 90
	}
	if opts.NewsDays <= 0 {
		opts.NewsDays = 3
	}
	return &Server{
		opts:     opts,
		log:      opts.Logger.With("component", "httpapi"),
		limiters: make(map[string]*util.RateLimiter),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /search", s.authed(s.handleSearch))
	mux.Handle("GET /watchlist", s.authed(s.handleGetWatchlist))
	mux.Handle("POST /watchlist", s.authed(s.handleAddWatchlist))
	mux.Handle("DELETE /watchlist/{symbol}", s.authed(s.handleRemoveWatchlist))
	mux.Handle("GET /chart/{symbol}", s.authed(s.handleChart))
	mux.Handle("GET /news/{symbol}", s.authed(s.handleNews))
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Retry-After")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// authed wraps h with bearer authentication and the per-user rate limit.
// The bearer token is the user identity.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if ok, wait := s.allow(token); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.log.Info("rate limited", "user", token, "path", r.URL.Path, "retryAfter", secs)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey{}, token)))
	})
}

func (s *Server) allow(user string) (bool, time.Duration) {
	if s.opts.RateLimitPerMin <= 0 {
		return true, 0
	}
	s.mu.Lock()
	rl := s.limiters[user]
	if rl == nil {
		rl = util.NewBurstLimiter(s.opts.RateLimitPerMin, s.opts.RateLimitBurst, s.opts.Clock)
		s.limiters[user] = rl
	}
	s.mu.Unlock()
	return rl.Allow()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, stockwatch.ErrorResponse{Error: msg})
}

// quote serves from the cache when possible and records fresh prices in the
// repo.
func (s *Server) quote(ctx context.Context, symbol string) (domain.Quote, error) {
	if s.opts.Cache != nil {
		q, ok, err := s.opts.Cache.Get(ctx, symbol)
		if err != nil {
			s.log.Warn("quote cache get", "symbol", symbol, "error", err)
		} else if ok {
			return q, nil
		}
	}

	q, err := s.opts.Quotes.Quote(ctx, symbol)
	if err != nil {
		return domain.Quote{}, err
	}

	if s.opts.Cache != nil {
		if err := s.opts.Cache.Set(ctx, q, s.opts.CacheTTL); err != nil {
			s.log.Warn("quote cache set", "symbol", symbol, "error", err)
		}
	}
	if pu, ok := s.opts.Repo.(priceUpdater); ok {
		if err := pu.UpdatePrice(ctx, q.Snapshot(s.opts.Clock.Now())); err != nil {
			s.log.Warn("recording price", "symbol", symbol, "error", err)
		}
	}
	return q, nil
}

func (s *Server) quoteError(w http.ResponseWriter, symbol string, err error) {
	if errors.Is(err, ErrUnknownSymbol) {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	s.log.Error("quote failed", "symbol", symbol, "error", err)
	writeError(w, http.StatusBadGateway, "quote source unavailable")
}

func decodeSymbol(r *http.Request) (string, error) {
	var req stockwatch.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", err
	}
	return domain.NormalizeSymbol(req.Symbol)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stockwatch.HealthResponse{Status: "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	symbol, err := decodeSymbol(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	q, err := s.quote(r.Context(), symbol)
	if err != nil {
		s.quoteError(w, symbol, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteJSON(q))
}

func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Repo.List(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.log.Error("listing watchlist", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get watchlist")
		return
	}
	items := make([]stockwatch.WatchlistItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, watchItemJSON(e))
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddWatchlist(w http.ResponseWriter, r *http.Request) {
	symbol, err := decodeSymbol(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	ctx := r.Context()

	entry := domain.WatchEntry{Symbol: symbol, AddedAt: s.opts.Clock.Now().UTC()}
	q, err := s.quote(ctx, symbol)
	switch {
	case err == nil:
		entry.CompanyName = q.Name
		entry = entry.WithSnapshot(q.Snapshot(entry.AddedAt))
	case errors.Is(err, ErrUnknownSymbol):
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	default:
		// Keep the entry with null prices; the client fills them by polling.
		s.log.Warn("quote for new entry", "symbol", symbol, "error", err)
	}

	stored, err := s.opts.Repo.Add(ctx, userFrom(ctx), entry)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			writeError(w, http.StatusConflict, symbol+" already in watchlist")
			return
		}
		s.log.Error("adding to watchlist", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add "+symbol)
		return
	}
	writeJSON(w, http.StatusCreated, watchItemJSON(stored))
}

func (s *Server) handleRemoveWatchlist(w http.ResponseWriter, r *http.Request) {
	symbol, err := domain.NormalizeSymbol(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	if err := s.opts.Repo.Remove(r.Context(), userFrom(r.Context()), symbol); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, symbol+" not in watchlist")
			return
		}
		s.log.Error("removing from watchlist", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove "+symbol)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Charts == nil {
		writeError(w, http.StatusServiceUnavailable, "charts not configured")
		return
	}
	symbol, err := domain.NormalizeSymbol(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	end := s.opts.Clock.Now()
	bars, err := s.opts.Charts.DailyBars(r.Context(), symbol, end.AddDate(0, 0, -s.opts.ChartDays), end)
	if err != nil {
		s.log.Error("chart failed", "symbol", symbol, "error", err)
		writeError(w, http.StatusBadGateway, "chart source unavailable")
		return
	}
	if bars == nil {
		bars = []stockwatch.ChartBar{}
	}
	writeJSON(w, http.StatusOK, stockwatch.ChartResponse{Symbol: symbol, Bars: bars})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	if s.opts.News == nil {
		writeError(w, http.StatusServiceUnavailable, "news not configured")
		return
	}
	symbol, err := domain.NormalizeSymbol(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	end := s.opts.Clock.Now()
	articles, err := s.opts.News.Fetch(r.Context(), symbol, end.AddDate(0, 0, -s.opts.NewsDays), end)
	if err != nil {
		s.log.Error("news failed", "symbol", symbol, "error", err)
		writeError(w, http.StatusBadGateway, "news source unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stockwatch.NewsResponse{Symbol: symbol, Articles: articlesJSON(articles)})
}
