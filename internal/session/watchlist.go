package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stockwatch/internal/domain"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/mutation"
	"stockwatch/internal/poller"
	"stockwatch/internal/viewstate"
	"stockwatch/pkg/stockwatch"
)

// WatchlistView is a mounted watchlist screen.
type WatchlistView struct {
	engine *Engine
	origin string
	log    *slog.Logger

	store *viewstate.WatchlistStore
	coord *mutation.Coordinator
	sched *poller.Scheduler
	token eventbus.Token

	ctx    context.Context
	cancel context.CancelFunc
	alive  atomic.Bool
	once   sync.Once

	mu     sync.Mutex
	closed bool
	bg     sync.WaitGroup
}

// MountWatchlist loads the user's watchlist, subscribes to watchlist changes
// made by other views and starts the watchlist polling target.
func (e *Engine) MountWatchlist(ctx context.Context) (*WatchlistView, error) {
	items, err := e.opts.API.Watchlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("mount watchlist: %w", err)
	}

	vctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v := &WatchlistView{
		engine: e,
		origin: TargetWatchlist + "#" + uuid.NewString()[:8],
		store:  viewstate.NewWatchlistStore(),
		ctx:    vctx,
		cancel: cancel,
	}
	v.log = e.log.With("view", v.origin)
	v.alive.Store(true)
	v.store.Replace(entriesFromItems(items), e.opts.Clock.Now())

	v.coord = mutation.New(mutation.Options{
		Store:            v.store,
		Backend:          backend{api: e.opts.API},
		Bus:              e.opts.Bus,
		Clock:            e.opts.Clock,
		Logger:           e.opts.Logger,
		Origin:           v.origin,
		ClearConcurrency: e.opts.Mutation.ClearConcurrency,
	})
	v.sched = e.newScheduler(TargetWatchlist, v.fetch, v.store, v.alive.Load)
	v.token = e.opts.Bus.Subscribe(domain.EventWatchlistChanged, v.onChanged)
	v.sched.Start(vctx, e.opts.Polling.WatchlistInterval)

	e.track(v)
	v.log.Info("watchlist mounted", "entries", len(items))
	return v, nil
}

// Store returns the view's state.
func (v *WatchlistView) Store() *viewstate.WatchlistStore { return v.store }

// Scheduler returns the view's polling target.
func (v *WatchlistView) Scheduler() *poller.Scheduler { return v.sched }

// Origin identifies this view in published events.
func (v *WatchlistView) Origin() string { return v.origin }

// Add adds symbol optimistically. companyName may be empty.
func (v *WatchlistView) Add(ctx context.Context, symbol, companyName string) error {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return fmt.Errorf("add %q: %w", symbol, err)
	}
	return v.coord.Add(ctx, sym, companyName)
}

// Remove removes symbol optimistically.
func (v *WatchlistView) Remove(ctx context.Context, symbol string) error {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return fmt.Errorf("remove %q: %w", symbol, err)
	}
	return v.coord.Remove(ctx, sym)
}

// Clear empties the watchlist.
func (v *WatchlistView) Clear(ctx context.Context) (mutation.ClearResult, error) {
	return v.coord.Clear(ctx)
}

// Refresh polls immediately, subject to the same gate as periodic ticks.
func (v *WatchlistView) Refresh(ctx context.Context) poller.Outcome {
	return v.sched.Tick(ctx)
}

// Resync reloads the list from the backend, keeping pending mutations.
func (v *WatchlistView) Resync(ctx context.Context) error {
	asOf := v.engine.opts.Clock.Now()
	items, err := v.engine.opts.API.Watchlist(ctx)
	if err != nil {
		return fmt.Errorf("resync watchlist: %w", err)
	}
	if !v.alive.Load() {
		return nil
	}
	v.store.Replace(entriesFromItems(items), asOf)
	return nil
}

// fetch quotes every listed symbol. A 429 aborts the round; other per-symbol
// failures are skipped unless every symbol failed.
func (v *WatchlistView) fetch(ctx context.Context) ([]domain.PriceSnapshot, error) {
	symbols := v.store.Symbols()
	snaps := make([]domain.PriceSnapshot, 0, len(symbols))
	var firstErr error
	for _, sym := range symbols {
		resp, err := v.engine.opts.API.Search(ctx, sym)
		if err != nil {
			if errors.Is(err, stockwatch.ErrRateLimited) {
				return nil, err
			}
			v.log.Debug("quote failed", "symbol", sym, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snaps = append(snaps, snapshotOf(*resp, time.Time{}))
	}
	if len(snaps) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return snaps, nil
}

func (v *WatchlistView) onChanged(payload any) error {
	ev, ok := payload.(domain.WatchlistChanged)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if ev.Origin == v.origin {
		return nil
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.bg.Add(1)
	v.mu.Unlock()
	go func() {
		defer v.bg.Done()
		if err := v.Resync(v.ctx); err != nil && v.ctx.Err() == nil {
			v.log.Warn("resync after change failed", "action", ev.Action, "symbol", ev.Symbol, "error", err)
		}
	}()
	return nil
}

// Unmount unsubscribes, stops polling and discards in-flight results. It is
// idempotent.
func (v *WatchlistView) Unmount() {
	v.once.Do(func() {
		v.alive.Store(false)
		v.engine.opts.Bus.Unsubscribe(v.token)
		v.sched.Stop()
		v.cancel()
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		v.bg.Wait()
		v.engine.untrack(v)
		v.log.Info("watchlist unmounted")
	})
}
