package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"stockwatch/internal/domain"
)

// Compile-time interface check.
var _ WatchlistRepo = (*SQLStore)(nil)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore implements WatchlistRepo on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS watchlist (
		user_id      TEXT   NOT NULL,
		symbol       TEXT   NOT NULL,
		company_name TEXT   NOT NULL DEFAULT '',
		position     BIGINT NOT NULL,
		last_price   TEXT,
		last_change  TEXT,
		last_change_pct TEXT,
		added_at     BIGINT NOT NULL,
		PRIMARY KEY (user_id, symbol)
	)`,
	`CREATE INDEX IF NOT EXISTS watchlist_user_position ON watchlist (user_id, position)`,
}

// NewSQLStore opens the database named by dsn with the given driver and runs
// the schema migrations. For SQLite dsn is a file path.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return NewSQLStore(DriverSQLite, dbPath)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// WatchlistRepo implementation
// ---------------------------------------------------------------------------

// List returns the user's entries ordered by position.
func (s *SQLStore) List(ctx context.Context, user string) ([]domain.WatchEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT symbol, company_name, last_price, last_change, last_change_pct, added_at
		FROM watchlist WHERE user_id = ? ORDER BY position`), user)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	defer rows.Close()

	var entries []domain.WatchEntry
	for rows.Next() {
		var (
			e                  domain.WatchEntry
			price, change, pct sql.NullString
			addedAt            int64
		)
		if err := rows.Scan(&e.Symbol, &e.CompanyName, &price, &change, &pct, &addedAt); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		e.LastKnownPrice = nullDecimal(price)
		e.LastKnownChange = nullDecimal(change)
		e.LastKnownChangePercent = nullDecimal(pct)
		e.AddedAt = time.UnixMilli(addedAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Add appends entry after the user's last position.
func (s *SQLStore) Add(ctx context.Context, user string, entry domain.WatchEntry) (domain.WatchEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WatchEntry{}, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM watchlist WHERE user_id = ? AND symbol = ?`),
		user, entry.Symbol).Scan(&exists)
	switch {
	case err == nil:
		return domain.WatchEntry{}, ErrExists
	case !errors.Is(err, sql.ErrNoRows):
		return domain.WatchEntry{}, fmt.Errorf("add %s: %w", entry.Symbol, err)
	}

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT MAX(position) FROM watchlist WHERE user_id = ?`),
		user).Scan(&maxPos); err != nil {
		return domain.WatchEntry{}, fmt.Errorf("add %s: %w", entry.Symbol, err)
	}

	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}
	entry.AddedAt = entry.AddedAt.Truncate(time.Millisecond)
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO watchlist (user_id, symbol, company_name, position, last_price, last_change, last_change_pct, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		user, entry.Symbol, entry.CompanyName, maxPos.Int64+1,
		nullString(entry.LastKnownPrice), nullString(entry.LastKnownChange), nullString(entry.LastKnownChangePercent),
		entry.AddedAt.UnixMilli())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.WatchEntry{}, ErrExists
		}
		return domain.WatchEntry{}, fmt.Errorf("add %s: %w", entry.Symbol, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WatchEntry{}, err
	}
	return entry, nil
}

// Remove deletes symbol from the user's watchlist.
func (s *SQLStore) Remove(ctx context.Context, user, symbol string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM watchlist WHERE user_id = ? AND symbol = ?`), user, symbol)
	if err != nil {
		return fmt.Errorf("remove %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePrice records the latest known price of symbol for every user that
// lists it.
func (s *SQLStore) UpdatePrice(ctx context.Context, snap domain.PriceSnapshot) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE watchlist SET last_price = ?, last_change = ?, last_change_pct = ? WHERE symbol = ?`),
		snap.Price.String(), snap.Change.String(), snap.ChangePercent.String(), snap.Symbol)
	if err != nil {
		return fmt.Errorf("update price %s: %w", snap.Symbol, err)
	}
	return nil
}

func nullDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nullString(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}
