// Package mutation applies watchlist changes optimistically, confirms them
// against the backend, and rolls them back on failure. Cross-view
// notification happens only after the backend has confirmed.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"stockwatch/internal/domain"
	"stockwatch/internal/util"
	"stockwatch/internal/viewstate"
	"stockwatch/pkg/stockwatch"
)

// DefaultClearConcurrency bounds the parallel deletes issued by Clear.
const DefaultClearConcurrency = 4

// Backend performs the confirmed side of a mutation.
type Backend interface {
	// Add adds symbol and returns the server's view of the new entry. Null
	// price fields are allowed.
	Add(ctx context.Context, symbol string) (domain.WatchEntry, error)
	// Remove deletes symbol.
	Remove(ctx context.Context, symbol string) error
}

// Publisher delivers events to other views. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(event string, payload any) error
}

// Error reports a mutation the backend did not accept. The store has already
// been rolled back or reconciled when it is returned.
type Error struct {
	Intent domain.MutationIntent
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Intent.Kind, e.Intent.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClearResult lists the outcome of a Clear per symbol.
type ClearResult struct {
	Removed []string
	Failed  []string
}

// ClearError is returned when some deletes in a Clear failed. The failed
// entries are back in the store.
type ClearError struct {
	Failed []string
	Err    error
}

func (e *ClearError) Error() string {
	return fmt.Sprintf("clear: %d of the deletes failed (%s): %v", len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *ClearError) Unwrap() error { return e.Err }

// Options configures a Coordinator.
type Options struct {
	Store            *viewstate.WatchlistStore
	Backend          Backend
	Bus              Publisher
	Clock            util.Clock
	Logger           *slog.Logger
	Origin           string // identifies the mutating view in published events
	ClearConcurrency int
}

// Coordinator owns the optimistic mutation protocol for one watchlist store.
type Coordinator struct {
	opts  Options
	log   *slog.Logger
	locks *keyedMutex

	// Per-symbol mutations hold it shared; Clear holds it exclusively.
	clearMu sync.RWMutex
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClearConcurrency <= 0 {
		opts.ClearConcurrency = DefaultClearConcurrency
	}
	return &Coordinator{
		opts:  opts,
		log:   opts.Logger.With("component", "mutation", "origin", opts.Origin),
		locks: newKeyedMutex(),
	}
}

func (c *Coordinator) begin(ctx context.Context, symbol string) (func(), error) {
	c.clearMu.RLock()
	unlock, err := c.locks.Lock(ctx, symbol)
	if err != nil {
		c.clearMu.RUnlock()
		return nil, err
	}
	return func() {
		unlock()
		c.clearMu.RUnlock()
	}, nil
}

func (c *Coordinator) publish(action domain.Action, symbol string) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(domain.EventWatchlistChanged, domain.WatchlistChanged{
		Action: action,
		Symbol: symbol,
		Origin: c.opts.Origin,
	})
}

// publishClear announces a Clear. Only the symbols actually deleted are
// listed; failed deletes are back in the store.
func (c *Coordinator) publishClear(removed []string) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(domain.EventWatchlistChanged, domain.WatchlistChanged{
		Action:  domain.ActionClear,
		Removed: removed,
		Origin:  c.opts.Origin,
	})
}

// Add appends a provisional entry for symbol, then confirms it with the
// backend. Adding a symbol that is already listed is a no-op. On failure the
// provisional entry is removed and the error returned.
func (c *Coordinator) Add(ctx context.Context, symbol, companyName string) error {
	done, err := c.begin(ctx, symbol)
	if err != nil {
		return err
	}
	defer done()

	store := c.opts.Store
	if store.Contains(symbol) {
		c.log.Debug("add ignored, already listed", "symbol", symbol)
		return nil
	}

	intent := domain.NewIntent(domain.ActionAdd, symbol, c.opts.Clock.Now())
	store.MarkPending(symbol, domain.ActionAdd)
	defer store.ResolvePending(symbol)
	store.Append(domain.WatchEntry{Symbol: symbol, CompanyName: companyName, AddedAt: intent.IssuedAt})

	confirmed, err := c.opts.Backend.Add(ctx, symbol)
	if err != nil {
		if errors.Is(err, stockwatch.ErrConflict) {
			// The backend already lists it; the optimistic entry matches truth.
			c.log.Warn("add conflicted, keeping entry", "symbol", symbol, "intent", intent.ID, "error", err)
			c.publish(domain.ActionAdd, symbol)
			return &Error{Intent: intent, Err: err}
		}
		store.Remove(symbol)
		c.log.Warn("add failed, rolled back", "symbol", symbol, "intent", intent.ID, "error", err)
		return &Error{Intent: intent, Err: err}
	}

	confirmed.Symbol = symbol
	store.Reconcile(confirmed)
	c.log.Info("added", "symbol", symbol, "intent", intent.ID)
	c.publish(domain.ActionAdd, symbol)
	return nil
}

// Remove drops symbol from the store immediately, then confirms with the
// backend. On failure the entry is reinserted at its original index.
// Removing a symbol that is not listed is a no-op.
func (c *Coordinator) Remove(ctx context.Context, symbol string) error {
	done, err := c.begin(ctx, symbol)
	if err != nil {
		return err
	}
	defer done()

	store := c.opts.Store
	intent := domain.NewIntent(domain.ActionRemove, symbol, c.opts.Clock.Now())
	store.MarkPending(symbol, domain.ActionRemove)
	defer store.ResolvePending(symbol)

	idx, entry, ok := store.Remove(symbol)
	if !ok {
		c.log.Debug("remove ignored, not listed", "symbol", symbol)
		return nil
	}

	if err := c.opts.Backend.Remove(ctx, symbol); err != nil {
		if errors.Is(err, stockwatch.ErrConflict) {
			// Already gone server-side; keep it removed.
			c.log.Warn("remove conflicted, entry already gone", "symbol", symbol, "intent", intent.ID, "error", err)
			c.publish(domain.ActionRemove, symbol)
			return &Error{Intent: intent, Err: err}
		}
		store.Insert(idx, entry)
		c.log.Warn("remove failed, rolled back", "symbol", symbol, "index", idx, "intent", intent.ID, "error", err)
		return &Error{Intent: intent, Err: err}
	}

	c.log.Info("removed", "symbol", symbol, "intent", intent.ID)
	c.publish(domain.ActionRemove, symbol)
	return nil
}

// Clear empties the store and deletes every former entry on the backend.
// Entries whose delete failed are reinserted in their original relative order
// and listed in both the result and the returned *ClearError.
func (c *Coordinator) Clear(ctx context.Context) (ClearResult, error) {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()

	store := c.opts.Store
	intent := domain.NewIntent(domain.ActionClear, "", c.opts.Clock.Now())

	entries := store.ClearForRemoval()

	errs := make([]error, len(entries))
	var g errgroup.Group
	g.SetLimit(c.opts.ClearConcurrency)
	for i, e := range entries {
		g.Go(func() error {
			errs[i] = c.opts.Backend.Remove(ctx, e.Symbol)
			return nil
		})
	}
	g.Wait()

	var res ClearResult
	var failures []error
	for i, e := range entries {
		err := errs[i]
		if err == nil || errors.Is(err, stockwatch.ErrConflict) {
			res.Removed = append(res.Removed, e.Symbol)
		} else {
			store.Insert(len(res.Failed), e)
			res.Failed = append(res.Failed, e.Symbol)
			failures = append(failures, fmt.Errorf("%s: %w", e.Symbol, err))
		}
		store.ResolvePending(e.Symbol)
	}

	if len(res.Removed) > 0 {
		c.publishClear(res.Removed)
	}
	if len(res.Failed) > 0 {
		c.log.Warn("clear partially failed", "intent", intent.ID, "removed", len(res.Removed), "failed", res.Failed)
		return res, &ClearError{Failed: res.Failed, Err: errors.Join(failures...)}
	}
	c.log.Info("cleared", "intent", intent.ID, "removed", len(res.Removed))
	return res, nil
}
