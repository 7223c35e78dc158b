package mutation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockwatch/internal/domain"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/viewstate"
	"stockwatch/pkg/stockwatch"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBackend answers from per-symbol scripts. Unscripted calls succeed.
type fakeBackend struct {
	mu        sync.Mutex
	addErr    map[string]error
	removeErr map[string]error
	addPrice  map[string]string
	hook      func(op, symbol string)
	calls     []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		addErr:    make(map[string]error),
		removeErr: make(map[string]error),
		addPrice:  make(map[string]string),
	}
}

func (b *fakeBackend) record(op, symbol string) {
	b.mu.Lock()
	b.calls = append(b.calls, op+" "+symbol)
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		hook(op, symbol)
	}
}

func (b *fakeBackend) Add(_ context.Context, symbol string) (domain.WatchEntry, error) {
	b.record("add", symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.addErr[symbol]; err != nil {
		return domain.WatchEntry{}, err
	}
	e := domain.WatchEntry{Symbol: symbol, CompanyName: symbol + " Corp"}
	if p, ok := b.addPrice[symbol]; ok {
		e.LastKnownPrice = decimal.NewNullDecimal(decimal.RequireFromString(p))
	}
	return e, nil
}

func (b *fakeBackend) Remove(_ context.Context, symbol string) error {
	b.record("remove", symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeErr[symbol]
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type harness struct {
	store   *viewstate.WatchlistStore
	backend *fakeBackend
	bus     *eventbus.Bus
	coord   *Coordinator

	mu     sync.Mutex
	events []domain.WatchlistChanged
}

func newHarness(symbols ...string) *harness {
	h := &harness{
		store:   viewstate.NewWatchlistStore(),
		backend: newFakeBackend(),
		bus:     eventbus.New(quietLog),
	}
	for _, s := range symbols {
		h.store.Append(domain.WatchEntry{Symbol: s})
	}
	h.bus.Subscribe(domain.EventWatchlistChanged, func(p any) error {
		h.mu.Lock()
		h.events = append(h.events, p.(domain.WatchlistChanged))
		h.mu.Unlock()
		return nil
	})
	h.coord = New(Options{
		Store:   h.store,
		Backend: h.backend,
		Bus:     h.bus,
		Logger:  quietLog,
		Origin:  "watchlist",
	})
	return h
}

func (h *harness) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func serverError() error {
	return &stockwatch.APIError{Op: "test", StatusCode: 500, Message: "internal"}
}

func TestAddOptimisticThenConfirmed(t *testing.T) {
	h := newHarness()
	h.backend.addPrice["AAPL"] = "190.12"
	h.backend.hook = func(op, symbol string) {
		e, ok := h.store.Get("AAPL")
		if !ok {
			t.Error("provisional entry should be visible before the backend confirms")
		}
		if !e.Provisional() {
			t.Error("provisional entry should have a null price")
		}
		if h.eventCount() != 0 {
			t.Error("event published before backend confirmation")
		}
	}

	if err := h.coord.Add(context.Background(), "AAPL", "Apple Inc."); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e, _ := h.store.Get("AAPL")
	if got := e.LastKnownPrice.Decimal.String(); !e.LastKnownPrice.Valid || got != "190.12" {
		t.Errorf("price = %s, want 190.12", got)
	}
	if e.CompanyName != "AAPL Corp" {
		t.Errorf("CompanyName = %q, want server-confirmed name", e.CompanyName)
	}
	if _, pending := h.store.Pending("AAPL"); pending {
		t.Error("pending marker should be cleared")
	}
	want := []domain.WatchlistChanged{{Action: domain.ActionAdd, Symbol: "AAPL", Origin: "watchlist"}}
	if !reflect.DeepEqual(h.events, want) {
		t.Errorf("events = %+v, want %+v", h.events, want)
	}
}

func TestAddFailureRollsBack(t *testing.T) {
	h := newHarness("MSFT")
	h.backend.addErr["AAPL"] = serverError()

	err := h.coord.Add(context.Background(), "AAPL", "Apple Inc.")
	if !errors.Is(err, stockwatch.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	var merr *Error
	if !errors.As(err, &merr) || merr.Intent.Kind != domain.ActionAdd {
		t.Errorf("expected *Error with add intent, got %v", err)
	}
	if h.store.Contains("AAPL") {
		t.Error("provisional entry should be removed after failure")
	}
	if h.eventCount() != 0 {
		t.Error("failed mutation must not publish")
	}
}

func TestAddExistingIsNoop(t *testing.T) {
	h := newHarness("AAPL")
	if err := h.coord.Add(context.Background(), "AAPL", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h.backend.callCount() != 0 {
		t.Error("adding a listed symbol should not call the backend")
	}
	if h.store.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.store.Len())
	}
}

func TestAddConflictKeepsEntry(t *testing.T) {
	h := newHarness()
	h.backend.addErr["AAPL"] = &stockwatch.APIError{Op: "add AAPL", StatusCode: 409, Conflict: true}

	err := h.coord.Add(context.Background(), "AAPL", "")
	if !errors.Is(err, stockwatch.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if !h.store.Contains("AAPL") {
		t.Error("entry the backend already holds should stay listed")
	}
	if h.eventCount() != 1 {
		t.Errorf("events = %d, want 1", h.eventCount())
	}
}

func TestRemoveFailureRestoresIndex(t *testing.T) {
	h := newHarness("AAPL", "MSFT", "TSLA")
	h.backend.removeErr["MSFT"] = serverError()
	h.backend.hook = func(op, symbol string) {
		if h.store.Contains("MSFT") {
			t.Error("entry should be removed optimistically")
		}
	}

	if err := h.coord.Remove(context.Background(), "MSFT"); !errors.Is(err, stockwatch.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	want := []string{"AAPL", "MSFT", "TSLA"}
	if got := h.store.Symbols(); !reflect.DeepEqual(got, want) {
		t.Errorf("Symbols = %v, want %v", got, want)
	}
}

func TestRemoveSuccessPublishes(t *testing.T) {
	h := newHarness("AAPL", "MSFT")
	if err := h.coord.Remove(context.Background(), "AAPL"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := h.store.Symbols(); !reflect.DeepEqual(got, []string{"MSFT"}) {
		t.Errorf("Symbols = %v", got)
	}
	if h.eventCount() != 1 || h.events[0].Action != domain.ActionRemove {
		t.Errorf("events = %+v", h.events)
	}

	// Removing an absent symbol is a no-op.
	if err := h.coord.Remove(context.Background(), "NVDA"); err != nil {
		t.Errorf("Remove absent: %v", err)
	}
	if h.backend.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", h.backend.callCount())
	}
}

func TestRemoveConflictStaysRemoved(t *testing.T) {
	h := newHarness("AAPL")
	h.backend.removeErr["AAPL"] = &stockwatch.APIError{Op: "remove AAPL", StatusCode: 404, Conflict: true}

	if err := h.coord.Remove(context.Background(), "AAPL"); !errors.Is(err, stockwatch.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if h.store.Contains("AAPL") {
		t.Error("symbol already gone server-side should stay removed")
	}
}

func TestClearPartialFailure(t *testing.T) {
	h := newHarness("AAPL", "MSFT", "TSLA")
	h.backend.removeErr["MSFT"] = serverError()

	res, err := h.coord.Clear(context.Background())
	var cerr *ClearError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ClearError", err)
	}
	if !reflect.DeepEqual(res.Failed, []string{"MSFT"}) || !reflect.DeepEqual(cerr.Failed, []string{"MSFT"}) {
		t.Errorf("Failed = %v / %v, want [MSFT]", res.Failed, cerr.Failed)
	}
	if !reflect.DeepEqual(res.Removed, []string{"AAPL", "TSLA"}) {
		t.Errorf("Removed = %v, want [AAPL TSLA]", res.Removed)
	}
	if got := h.store.Symbols(); !reflect.DeepEqual(got, []string{"MSFT"}) {
		t.Errorf("Symbols = %v, want [MSFT]", got)
	}
	if h.eventCount() != 1 || h.events[0].Action != domain.ActionClear {
		t.Fatalf("events = %+v, want one clear", h.events)
	}
	if !reflect.DeepEqual(h.events[0].Removed, []string{"AAPL", "TSLA"}) {
		t.Errorf("event Removed = %v, want [AAPL TSLA]", h.events[0].Removed)
	}
}

func TestClearSurvivesResyncDuringDeletes(t *testing.T) {
	h := newHarness("AAPL", "MSFT", "TSLA")
	server := h.store.Snapshot()
	var once sync.Once
	h.backend.hook = func(op, _ string) {
		if op != "remove" {
			return
		}
		// Another view's event triggers a resync before any delete lands.
		once.Do(func() { h.store.Replace(server, time.Now()) })
	}

	res, err := h.coord.Clear(context.Background())
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(res.Removed) != 3 {
		t.Errorf("Removed = %v, want all three", res.Removed)
	}
	if h.store.Len() != 0 {
		t.Errorf("Symbols = %v, want empty after clear", h.store.Symbols())
	}
	for _, sym := range []string{"AAPL", "MSFT", "TSLA"} {
		if _, ok := h.store.Pending(sym); ok {
			t.Errorf("%s still pending after clear", sym)
		}
	}
}

func TestClearAllFailKeepsOrder(t *testing.T) {
	h := newHarness("AAPL", "MSFT", "TSLA")
	for _, s := range []string{"AAPL", "MSFT", "TSLA"} {
		h.backend.removeErr[s] = serverError()
	}
	if _, err := h.coord.Clear(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	want := []string{"AAPL", "MSFT", "TSLA"}
	if got := h.store.Symbols(); !reflect.DeepEqual(got, want) {
		t.Errorf("Symbols = %v, want %v", got, want)
	}
	if h.eventCount() != 0 {
		t.Error("nothing removed, nothing published")
	}
}

func TestSameSymbolSerialized(t *testing.T) {
	h := newHarness()
	addStarted := make(chan struct{})
	releaseAdd := make(chan struct{})
	var order []string
	var mu sync.Mutex
	h.backend.hook = func(op, symbol string) {
		mu.Lock()
		order = append(order, op)
		mu.Unlock()
		if op == "add" {
			close(addStarted)
			<-releaseAdd
		}
	}

	addDone := make(chan error)
	go func() { addDone <- h.coord.Add(context.Background(), "AAPL", "") }()
	<-addStarted

	removeDone := make(chan error)
	go func() { removeDone <- h.coord.Remove(context.Background(), "AAPL") }()

	select {
	case <-removeDone:
		t.Fatal("remove must wait for the in-flight add")
	case <-time.After(30 * time.Millisecond):
	}

	close(releaseAdd)
	if err := <-addDone; err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := <-removeDone; err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"add", "remove"}) {
		t.Errorf("backend order = %v", order)
	}
	if h.store.Contains("AAPL") {
		t.Error("AAPL should end removed")
	}
	if n := h.coord.locks.held(); n != 0 {
		t.Errorf("keyed locks leaked: %d", n)
	}
}

func TestLockRespectsContext(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "AAPL"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	unlock()
	if k.held() != 0 {
		t.Errorf("held = %d, want 0", k.held())
	}
}

// For any sequence of add/remove on distinct symbols, the final list holds
// exactly the symbols whose last effective operation was a successful add.
func TestRandomSequencesMatchModel(t *testing.T) {
	symbols := []string{"AAPL", "MSFT", "TSLA", "NVDA", "AMZN"}
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness()
		model := map[string]bool{}

		for step := 0; step < 40; step++ {
			sym := symbols[rng.Intn(len(symbols))]
			fail := rng.Intn(4) == 0
			if rng.Intn(2) == 0 {
				h.backend.addErr[sym] = nil
				if fail {
					h.backend.addErr[sym] = serverError()
				}
				h.coord.Add(context.Background(), sym, "")
				if !model[sym] && !fail {
					model[sym] = true
				}
			} else {
				h.backend.removeErr[sym] = nil
				if fail {
					h.backend.removeErr[sym] = serverError()
				}
				h.coord.Remove(context.Background(), sym)
				if model[sym] && !fail {
					delete(model, sym)
				}
			}
		}

		var want []string
		for s := range model {
			want = append(want, s)
		}
		got := h.store.Symbols()
		sort.Strings(want)
		sort.Strings(got)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("seed %d: symbols = %v, want %v", seed, got, want)
		}
	}
}
