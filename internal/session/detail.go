package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
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

// DetailView is a mounted single-instrument screen. It has its own polling
// target and rate-limit state, independent of the watchlist.
type DetailView struct {
	engine *Engine
	symbol string
	origin string
	log    *slog.Logger

	store *viewstate.InstrumentStore
	// membership holds the symbol while it is in the user's watchlist, so
	// add and remove from this screen go through the same optimistic
	// protocol as the watchlist view.
	membership *viewstate.WatchlistStore
	coord      *mutation.Coordinator
	sched      *poller.Scheduler
	token      eventbus.Token

	alive atomic.Bool
	once  sync.Once
}

// MountDetail starts polling symbol and tracks whether it is in the user's
// watchlist.
func (e *Engine) MountDetail(ctx context.Context, symbol string) (*DetailView, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("mount detail %q: %w", symbol, err)
	}

	v := &DetailView{
		engine:     e,
		symbol:     sym,
		origin:     DetailTarget(sym) + "#" + uuid.NewString()[:8],
		store:      viewstate.NewInstrumentStore(sym),
		membership: viewstate.NewWatchlistStore(),
	}
	v.log = e.log.With("view", v.origin)
	v.alive.Store(true)

	// Membership is best effort; polling still works without it.
	if items, err := e.opts.API.Watchlist(ctx); err != nil {
		v.log.Warn("loading watchlist membership", "error", err)
	} else if i := slices.IndexFunc(items, func(it stockwatch.WatchlistItem) bool { return it.Symbol == sym }); i >= 0 {
		v.membership.Append(entryFromItem(items[i]))
	}
	v.syncFlag()

	v.coord = mutation.New(mutation.Options{
		Store:   v.membership,
		Backend: backend{api: e.opts.API},
		Bus:     e.opts.Bus,
		Clock:   e.opts.Clock,
		Logger:  e.opts.Logger,
		Origin:  v.origin,
	})
	v.sched = e.newScheduler(DetailTarget(sym), v.fetch, v.store, v.alive.Load)
	v.token = e.opts.Bus.Subscribe(domain.EventWatchlistChanged, v.onChanged)
	v.sched.Start(context.WithoutCancel(ctx), e.opts.Polling.DetailInterval)

	e.track(v)
	v.log.Info("detail mounted", "inWatchlist", v.store.InWatchlist())
	return v, nil
}

// Symbol returns the instrument shown by the view.
func (v *DetailView) Symbol() string { return v.symbol }

// Store returns the view's state.
func (v *DetailView) Store() *viewstate.InstrumentStore { return v.store }

// Scheduler returns the view's polling target.
func (v *DetailView) Scheduler() *poller.Scheduler { return v.sched }

// Origin identifies this view in published events.
func (v *DetailView) Origin() string { return v.origin }

// Refresh polls immediately, subject to the same gate as periodic ticks.
func (v *DetailView) Refresh(ctx context.Context) poller.Outcome {
	return v.sched.Tick(ctx)
}

func (v *DetailView) syncFlag() {
	v.store.SetInWatchlist(v.membership.Contains(v.symbol))
}

// AddToWatchlist adds the symbol. The in-watchlist flag flips immediately
// and reverts if the backend rejects the change.
func (v *DetailView) AddToWatchlist(ctx context.Context) error {
	v.store.SetInWatchlist(true)
	err := v.coord.Add(ctx, v.symbol, v.store.CompanyName())
	v.syncFlag()
	return err
}

// RemoveFromWatchlist removes the symbol. The in-watchlist flag flips
// immediately and reverts if the backend rejects the change.
func (v *DetailView) RemoveFromWatchlist(ctx context.Context) error {
	v.store.SetInWatchlist(false)
	err := v.coord.Remove(ctx, v.symbol)
	v.syncFlag()
	return err
}

func (v *DetailView) fetch(ctx context.Context) ([]domain.PriceSnapshot, error) {
	resp, err := v.engine.opts.API.Search(ctx, v.symbol)
	if err != nil {
		return nil, err
	}
	if resp.Name != "" && v.alive.Load() {
		v.store.SetCompanyName(resp.Name)
	}
	return []domain.PriceSnapshot{snapshotOf(*resp, time.Time{})}, nil
}

// onChanged mirrors watchlist changes made elsewhere. The event carries the
// outcome, so no backend call is needed.
func (v *DetailView) onChanged(payload any) error {
	ev, ok := payload.(domain.WatchlistChanged)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if ev.Origin == v.origin || !v.alive.Load() {
		return nil
	}
	switch {
	case ev.Action == domain.ActionClear && !slices.Contains(ev.Removed, v.symbol):
		// Our symbol's delete failed and was rolled back, or it was not listed.
		return nil
	case ev.Action != domain.ActionClear && ev.Symbol != v.symbol:
		return nil
	}
	if _, busy := v.membership.Pending(v.symbol); busy {
		// Our own mutation settles the flag when it completes.
		return nil
	}
	switch ev.Action {
	case domain.ActionAdd:
		v.membership.Append(domain.WatchEntry{Symbol: v.symbol, CompanyName: v.store.CompanyName()})
	case domain.ActionRemove, domain.ActionClear:
		v.membership.Remove(v.symbol)
	}
	v.syncFlag()
	return nil
}

// Unmount unsubscribes, stops polling and discards in-flight results. It is
// idempotent.
func (v *DetailView) Unmount() {
	v.once.Do(func() {
		v.alive.Store(false)
		v.engine.opts.Bus.Unsubscribe(v.token)
		v.sched.Stop()
		v.engine.untrack(v)
		v.log.Info("detail unmounted")
	})
}
