// Package session mounts and unmounts views. Mounting a view creates its
// store, subscribes it on the event bus and starts its polling target;
// unmounting reverses all three.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/domain"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/poller"
	"stockwatch/internal/ratelimit"
	"stockwatch/internal/util"
	"stockwatch/pkg/stockwatch"
)

// Polling targets.
const (
	TargetWatchlist = "watchlist"
	TargetSearch    = "search"
)

// DetailTarget names the polling target of a detail view.
func DetailTarget(symbol string) string { return "detail:" + symbol }

// Options configures an Engine.
type Options struct {
	API      API
	Bus      *eventbus.Bus // nil uses eventbus.Default()
	Polling  config.Polling
	Mutation config.Mutation

	// Calendar enables the closed-market interval when Polling.MarketHours
	// is set. Nil disables it.
	Calendar *util.TradingCalendar
	Recorder poller.Recorder
	Clock    util.Clock
	Logger   *slog.Logger
}

// Engine owns the shared pieces of a client session: the backend adapter,
// the event bus, the rate-limit policy and the mounted views.
type Engine struct {
	opts    Options
	log     *slog.Logger
	tracker *ratelimit.Tracker

	searchMu    sync.Mutex
	searchState ratelimit.State
	warmed      atomic.Bool

	mu    sync.Mutex
	views map[view]struct{}
}

type view interface {
	Unmount()
}

// New creates an Engine. Zero polling values fall back to config.Default().
func New(opts Options) *Engine {
	def := config.Default()
	if opts.Bus == nil {
		opts.Bus = eventbus.Default()
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &opts.Polling
	if p.WatchlistInterval <= 0 {
		p.WatchlistInterval = def.Polling.WatchlistInterval
	}
	if p.DetailInterval <= 0 {
		p.DetailInterval = def.Polling.DetailInterval
	}
	if p.ClosedInterval <= 0 {
		p.ClosedInterval = def.Polling.ClosedInterval
	}
	if opts.Mutation.ClearConcurrency <= 0 {
		opts.Mutation.ClearConcurrency = def.Mutation.ClearConcurrency
	}
	return &Engine{
		opts: opts,
		log:  opts.Logger.With("component", "session"),
		tracker: ratelimit.NewTracker(ratelimit.Policy{
			MinSpacing:      p.MinSpacing,
			DefaultCooldown: p.DefaultCooldown,
		}),
		views: make(map[view]struct{}),
	}
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.opts.Bus }

func (e *Engine) track(v view) {
	e.mu.Lock()
	e.views[v] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrack(v view) {
	e.mu.Lock()
	delete(e.views, v)
	e.mu.Unlock()
}

// Mounted returns the number of mounted views.
func (e *Engine) Mounted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.views)
}

// Close unmounts every view and warns about subscriptions left behind.
func (e *Engine) Close() {
	e.mu.Lock()
	views := make([]view, 0, len(e.views))
	for v := range e.views {
		views = append(views, v)
	}
	e.mu.Unlock()

	for _, v := range views {
		v.Unmount()
	}
	if n := e.opts.Bus.Count(domain.EventWatchlistChanged); n > 0 {
		e.log.Warn("subscriptions remain after close", "event", domain.EventWatchlistChanged, "count", n)
	}
}

// intervalFor slows polling down while the market is closed.
func (e *Engine) intervalFor(now time.Time, base time.Duration) time.Duration {
	if !e.opts.Polling.MarketHours || e.opts.Calendar == nil {
		return base
	}
	if !e.opts.Calendar.IsMarketOpen(now) && e.opts.Polling.ClosedInterval > base {
		return e.opts.Polling.ClosedInterval
	}
	return base
}

func (e *Engine) newScheduler(target string, fetch poller.FetchFunc, sink poller.Sink, alive func() bool) *poller.Scheduler {
	return poller.New(poller.Options{
		Target:         target,
		Tracker:        e.tracker,
		Fetch:          fetch,
		Sink:           sink,
		Clock:          e.opts.Clock,
		Logger:         e.opts.Logger,
		StaleThreshold: e.opts.Polling.StaleThreshold,
		FirstDelay:     e.opts.Polling.FirstDelay,
		Alive:          alive,
		IntervalFor:    e.intervalFor,
		Recorder:       e.opts.Recorder,
	})
}

// warm probes /health once per engine so the first search does not pay for
// a cold backend. Failures are logged and ignored.
func (e *Engine) warm(ctx context.Context) {
	if e.warmed.Load() {
		return
	}
	err := util.Retry(ctx, 3, 200*time.Millisecond, func() error {
		err := e.opts.API.Health(ctx)
		if errors.Is(err, stockwatch.ErrRateLimited) || errors.Is(err, stockwatch.ErrUnauthenticated) {
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		e.log.Warn("health probe failed", "error", err)
		return
	}
	e.warmed.Store(true)
}

// Search quotes symbol through the dedicated search target. A call refused
// by the rate-limit gate returns a *stockwatch.RateLimitError carrying the
// remaining wait, without contacting the backend.
func (e *Engine) Search(ctx context.Context, symbol string) (domain.Quote, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("search %q: %w", symbol, err)
	}

	e.searchMu.Lock()
	now := e.opts.Clock.Now()
	if !e.tracker.CanCall(&e.searchState, now) {
		wait := e.tracker.Remaining(&e.searchState, now)
		e.searchMu.Unlock()
		return domain.Quote{}, &stockwatch.RateLimitError{Op: "search " + sym, RetryAfter: wait}
	}
	e.tracker.OnCallIssued(&e.searchState, now)
	e.searchMu.Unlock()

	e.warm(ctx)

	resp, err := e.opts.API.Search(ctx, sym)
	if err != nil {
		var rle *stockwatch.RateLimitError
		if errors.As(err, &rle) {
			e.searchMu.Lock()
			e.tracker.OnRateLimited(&e.searchState, rle.RetryAfter, e.opts.Clock.Now())
			e.searchMu.Unlock()
		}
		return domain.Quote{}, err
	}
	return quoteFromResponse(*resp), nil
}

// SearchState returns a copy of the search target's rate-limit state.
func (e *Engine) SearchState() ratelimit.State {
	e.searchMu.Lock()
	defer e.searchMu.Unlock()
	return e.searchState
}
