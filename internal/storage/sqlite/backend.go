// Package sqlite implements storage.Backend on modernc.org/sqlite (pure Go,
// no cgo), registered under kind "sqlite".
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"bulkload/internal/record"
	"bulkload/internal/storage"
)

// maxParams stays under SQLite's SQLITE_MAX_VARIABLE_NUMBER (32766 in the
// bundled build).
const maxParams = 32000

// Backend implements storage.Backend for SQLite.
//
// Key design points:
//   - SQLite column affinity is loose; every column is created as TEXT.
//   - The pool is capped at one connection so in-memory databases (empty DSN)
//     stay a single database and writers never contend for the file lock.
//   - DDL is transactional, so CreateTableFromRows is all-or-nothing.
type Backend struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens a SQLite database. An empty DSN opens a private in-memory
// database.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

// FromDB wraps an already-open *sql.DB. The caller keeps ownership.
func FromDB(db *sql.DB) *Backend { return &Backend{db: db} }

func (b *Backend) Kind() string { return "sqlite" }

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Dialect() storage.Dialect {
	return storage.Dialect{
		Name:        "sqlite",
		TextType:    "TEXT",
		AddColumn:   "ADD COLUMN",
		QuoteStyles: storage.DefaultQuoteStyles,
		Reserved:    []string{"ABORT", "AUTOINCREMENT", "GLOB", "ISNULL", "NOTNULL", "PRAGMA", "REGEXP", "VACUUM"},
	}
}

func (b *Backend) Execute(ctx context.Context, stmt string, args ...any) (storage.Result, error) {
	return storage.ExecSQL(ctx, b.db, stmt, args...)
}

func (b *Backend) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND lower(name) = lower(?)`,
		name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DescribeTable reads PRAGMA table_info, which yields
// (cid, name, type, notnull, dflt_value, pk) per column.
func (b *Backend) DescribeTable(ctx context.Context, name string) ([]storage.Column, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", storage.DoubleQuote.Quote(name)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Column
	for rows.Next() {
		var (
			cid     int
			col     string
			typ     sql.NullString
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, storage.Column{Name: col, Type: typ.String})
	}
	return out, rows.Err()
}

func (b *Backend) DropTable(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+storage.DoubleQuote.Quote(name))
	return err
}

func (b *Backend) CreateTableFromRows(ctx context.Context, name string, cols []storage.Column, rows []record.Row) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, storage.CreateTableSQL(name, cols, storage.DoubleQuote, "TEXT")); err != nil {
		return 0, fmt.Errorf("create table %s: %w", name, err)
	}
	n, err := storage.InsertBatches(ctx, tx, name, storage.ColumnNames(cols), rows, storage.DoubleQuote, maxParams, storage.QuestionMark)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", name, err)
	}
	return n, tx.Commit()
}

func (b *Backend) InsertRows(ctx context.Context, name string, columns []string, rows []record.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := storage.InsertBatches(ctx, tx, name, columns, rows, storage.DoubleQuote, maxParams, storage.QuestionMark)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

var _ storage.Backend = (*Backend)(nil)
