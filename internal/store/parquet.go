package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"stockwatch/internal/domain"
)

// SnapshotJournal buffers applied price snapshots in memory and flushes them
// to Parquet files, one per symbol and UTC day:
//
//	<DataDir>/snapshots/<SYMBOL>/<YYYY-MM-DD>.parquet
type SnapshotJournal struct {
	DataDir string

	mu  sync.Mutex
	buf []domain.PriceSnapshot
}

// NewSnapshotJournal creates a journal rooted at dataDir.
func NewSnapshotJournal(dataDir string) *SnapshotJournal {
	return &SnapshotJournal{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// SnapshotRecord is the Parquet schema for a price snapshot.
type SnapshotRecord struct {
	Symbol        string  `parquet:"symbol"`
	FetchedAt     int64   `parquet:"fetched_at,timestamp(millisecond)"` // Unix ms
	Price         float64 `parquet:"price"`
	Change        float64 `parquet:"change"`
	ChangePercent float64 `parquet:"change_percent"`
}

// Record buffers s until the next Flush.
func (j *SnapshotJournal) Record(s domain.PriceSnapshot) {
	j.mu.Lock()
	j.buf = append(j.buf, s)
	j.mu.Unlock()
}

// Pending returns the number of buffered snapshots.
func (j *SnapshotJournal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buf)
}

// Flush writes buffered snapshots, merging them with what is already on disk.
// Snapshots that fail to write are kept for the next Flush.
func (j *SnapshotJournal) Flush(_ context.Context) error {
	j.mu.Lock()
	buf := j.buf
	j.buf = nil
	j.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]SnapshotRecord)
	pending := make(map[key][]domain.PriceSnapshot)
	for _, s := range buf {
		k := key{symbol: s.Symbol, date: s.FetchedAt.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], SnapshotRecord{
			Symbol:        s.Symbol,
			FetchedAt:     s.FetchedAt.UnixMilli(),
			Price:         s.Price.InexactFloat64(),
			Change:        s.Change.InexactFloat64(),
			ChangePercent: s.ChangePercent.InexactFloat64(),
		})
		pending[k] = append(pending[k], s)
	}

	var firstErr error
	for k, records := range groups {
		t, _ := time.Parse("2006-01-02", k.date)
		path := j.snapshotPath(k.symbol, t)

		existing, _ := readParquetFile[SnapshotRecord](path)
		merged := mergeSnapshotRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("writing snapshots for %s/%s: %w", k.symbol, k.date, err)
			}
			j.mu.Lock()
			j.buf = append(j.buf, pending[k]...)
			j.mu.Unlock()
		}
	}
	return firstErr
}

// Read returns the journaled snapshots of symbol within [start, end], oldest
// first.
func (j *SnapshotJournal) Read(_ context.Context, symbol string, start, end time.Time) ([]domain.PriceSnapshot, error) {
	var out []domain.PriceSnapshot
	first := time.Date(start.UTC().Year(), start.UTC().Month(), start.UTC().Day(), 0, 0, 0, 0, time.UTC)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[SnapshotRecord](j.snapshotPath(symbol, d))
		if err != nil {
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.FetchedAt).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			out = append(out, domain.PriceSnapshot{
				Symbol:        r.Symbol,
				Price:         decimal.NewFromFloat(r.Price),
				Change:        decimal.NewFromFloat(r.Change),
				ChangePercent: decimal.NewFromFloat(r.ChangePercent),
				FetchedAt:     ts,
			})
		}
	}
	return out, nil
}

// Symbols lists the symbols that have journaled snapshots.
func (j *SnapshotJournal) Symbols() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(j.DataDir, "snapshots"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// snapshotPath returns the filesystem path for a snapshot Parquet file.
func (j *SnapshotJournal) snapshotPath(symbol string, t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(j.DataDir, "snapshots", strings.ToUpper(symbol), date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeSnapshotRecords deduplicates records by (symbol, fetched_at), preferring
// incoming records over existing ones. Results are sorted by fetch time.
func mergeSnapshotRecords(existing, incoming []SnapshotRecord) []SnapshotRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]SnapshotRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.FetchedAt}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.FetchedAt}] = r
	}

	merged := make([]SnapshotRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].FetchedAt < merged[j].FetchedAt
	})
	return merged
}
