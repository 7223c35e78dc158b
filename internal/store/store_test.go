package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockwatch/internal/domain"
)

func TestSnapshotJournalPath(t *testing.T) {
	j := NewSnapshotJournal("/data")

	ts := time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)
	p := j.snapshotPath("tsla", ts)

	want := filepath.Join("/data", "snapshots", "TSLA", "2024-06-15.parquet")
	if p != want {
		t.Errorf("snapshotPath mismatch:\n  got  %s\n  want %s", p, want)
	}
	if !strings.Contains(p, "TSLA") {
		t.Errorf("snapshotPath should contain upper-cased symbol: %s", p)
	}
}

func snap(symbol, price string, at time.Time) domain.PriceSnapshot {
	return domain.PriceSnapshot{
		Symbol:        symbol,
		Price:         decimal.RequireFromString(price),
		Change:        decimal.RequireFromString("1.5"),
		ChangePercent: decimal.RequireFromString("0.8"),
		FetchedAt:     at,
	}
}

func TestSnapshotJournalFlushRead(t *testing.T) {
	dir := t.TempDir()
	j := NewSnapshotJournal(dir)
	ctx := context.Background()

	t0 := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	j.Record(snap("AAPL", "185.5", t0))
	j.Record(snap("AAPL", "186", t0.Add(time.Minute)))
	j.Record(snap("MSFT", "403", t0))

	if j.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", j.Pending())
	}
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if j.Pending() != 0 {
		t.Errorf("Pending after flush = %d, want 0", j.Pending())
	}

	got, err := j.Read(ctx, "AAPL", t0.Add(-time.Hour), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Read returned %d snapshots, want 2", len(got))
	}
	if !got[0].Price.Equal(decimal.RequireFromString("185.5")) {
		t.Errorf("first Price = %s, want 185.5", got[0].Price)
	}
	if !got[1].FetchedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("second FetchedAt = %v, want %v", got[1].FetchedAt, t0.Add(time.Minute))
	}

	symbols, err := j.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "MSFT" {
		t.Errorf("Symbols = %v, want [AAPL MSFT]", symbols)
	}
}

func TestSnapshotJournalMergeDedup(t *testing.T) {
	dir := t.TempDir()
	j := NewSnapshotJournal(dir)
	ctx := context.Background()

	t0 := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	j.Record(snap("MSFT", "400", t0))
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush (first): %v", err)
	}

	// Same fetch time replaces, a new one appends.
	j.Record(snap("MSFT", "401", t0))
	j.Record(snap("MSFT", "402", t0.Add(time.Second)))
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush (second): %v", err)
	}

	got, err := j.Read(ctx, "MSFT", t0, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Read returned %d snapshots after merge, want 2", len(got))
	}
	if !got[0].Price.Equal(decimal.RequireFromString("401")) {
		t.Errorf("deduplicated Price = %s, want 401", got[0].Price)
	}
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return s
}

func testRepo(t *testing.T, repo WatchlistRepo) {
	ctx := context.Background()
	at := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

	for _, sym := range []string{"AAPL", "MSFT", "TSLA"} {
		if _, err := repo.Add(ctx, "alice", domain.WatchEntry{Symbol: sym, CompanyName: sym + " Inc", AddedAt: at}); err != nil {
			t.Fatalf("Add %s: %v", sym, err)
		}
	}
	if _, err := repo.Add(ctx, "alice", domain.WatchEntry{Symbol: "MSFT"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Add err = %v, want ErrExists", err)
	}
	if _, err := repo.Add(ctx, "bob", domain.WatchEntry{Symbol: "MSFT", AddedAt: at}); err != nil {
		t.Errorf("other user Add: %v", err)
	}

	if err := repo.Remove(ctx, "alice", "MSFT"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := repo.Remove(ctx, "alice", "MSFT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
	if _, err := repo.Add(ctx, "alice", domain.WatchEntry{Symbol: "MSFT", AddedAt: at}); err != nil {
		t.Fatalf("re-Add: %v", err)
	}

	entries, err := repo.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Symbol)
	}
	if strings.Join(got, ",") != "AAPL,TSLA,MSFT" {
		t.Errorf("List order = %v, want [AAPL TSLA MSFT]", got)
	}
	if entries[0].CompanyName != "AAPL Inc" || !entries[0].AddedAt.Equal(at) {
		t.Errorf("first entry = %+v", entries[0])
	}
	if !entries[0].Provisional() {
		t.Error("entry added without price should have null price")
	}

	bob, _ := repo.List(ctx, "bob")
	if len(bob) != 1 {
		t.Errorf("bob has %d entries, want 1", len(bob))
	}
}

func TestMemoryRepo(t *testing.T) {
	testRepo(t, NewMemoryRepo())
}

func TestSQLiteRepo(t *testing.T) {
	testRepo(t, openSQLite(t))
}

func TestSQLiteUpdatePrice(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	if _, err := s.Add(ctx, "alice", domain.WatchEntry{Symbol: "AAPL"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.UpdatePrice(ctx, snap("AAPL", "190.12", time.Now())); err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	entries, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := entries[0].LastKnownPrice; !got.Valid || got.Decimal.String() != "190.12" {
		t.Errorf("LastKnownPrice = %v, want 190.12", got)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind postgres = %q", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind sqlite = %q", got)
	}
}

func TestNewSQLStoreUnknownDriver(t *testing.T) {
	if _, err := NewSQLStore("mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
