// Package duckdb implements storage.Backend on the embedded DuckDB engine,
// registered under kind "duckdb".
//
// DuckDB is the only backend here that can scan CSV, Parquet and JSON files
// by path, so it is the only one that offers a native bulk-load statement
// (see native.go). Bulk inserts go through the DuckDB Appender.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"

	"bulkload/internal/record"
	"bulkload/internal/storage"
)

const maxParams = 30000

// Backend implements storage.Backend for DuckDB.
type Backend struct {
	db *sql.DB
}

func init() {
	storage.Register("duckdb", New)
}

// New opens a DuckDB database file, or an in-memory database for an empty DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One connection keeps in-memory databases and open transactions on the
	// same handle as the appender.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

// FromDB wraps an already-open *sql.DB. The caller keeps ownership.
func FromDB(db *sql.DB) *Backend { return &Backend{db: db} }

func (b *Backend) Kind() string { return "duckdb" }

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Dialect() storage.Dialect {
	return storage.Dialect{
		Name:        "duckdb",
		TextType:    "VARCHAR",
		AddColumn:   "ADD COLUMN",
		QuoteStyles: []storage.QuoteStyle{storage.DoubleQuote, storage.Unquoted},
		Reserved:    []string{"ANALYSE", "ANALYZE", "PIVOT", "QUALIFY", "UNPIVOT", "SUMMARIZE"},
		Native:      nativeLoader{},
	}
}

func (b *Backend) Execute(ctx context.Context, stmt string, args ...any) (storage.Result, error) {
	return storage.ExecSQL(ctx, b.db, stmt, args...)
}

func (b *Backend) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = current_schema() AND lower(table_name) = lower(?)`,
		name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *Backend) DescribeTable(ctx context.Context, name string) ([]storage.Column, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = current_schema() AND lower(table_name) = lower(?)
		 ORDER BY ordinal_position`,
		name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Column
	for rows.Next() {
		var c storage.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *Backend) DropTable(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+storage.DoubleQuote.Quote(name))
	return err
}

// CreateTableFromRows creates the table and fills it in one transaction with
// parameterized multi-row INSERTs.
func (b *Backend) CreateTableFromRows(ctx context.Context, name string, cols []storage.Column, rows []record.Row) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, storage.CreateTableSQL(name, cols, storage.DoubleQuote, "VARCHAR")); err != nil {
		return 0, fmt.Errorf("create table %s: %w", name, err)
	}
	n, err := storage.InsertBatches(ctx, tx, name, storage.ColumnNames(cols), rows, storage.DoubleQuote, maxParams, storage.QuestionMark)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", name, err)
	}
	return n, tx.Commit()
}

// InsertRows uses the Appender when columns cover the whole table in order
// (the normal case after alignment), otherwise multi-row INSERTs. Either
// way the chunk commits as one transaction.
func (b *Backend) InsertRows(ctx context.Context, name string, columns []string, rows []record.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	live, err := b.DescribeTable(ctx, name)
	if err != nil {
		return 0, err
	}
	if !sameColumns(storage.ColumnNames(live), columns) {
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

	return b.appendRows(ctx, name, len(columns), rows)
}

func (b *Backend) appendRows(ctx context.Context, name string, width int, rows []record.Row) (int64, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return 0, err
	}

	err = conn.Raw(func(raw any) error {
		dc, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("duckdb: unexpected driver connection %T", raw)
		}
		app, err := duckdb.NewAppenderFromConn(dc, "", name)
		if err != nil {
			return err
		}
		vals := make([]driver.Value, width)
		for _, r := range rows {
			r = r.Pad(width)
			for i, v := range r {
				vals[i] = v.Any()
			}
			if err := app.AppendRow(vals...); err != nil {
				_ = app.Close()
				return err
			}
		}
		return app.Close()
	})
	if err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return 0, err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func sameColumns(live, cols []string) bool {
	if len(live) != len(cols) {
		return false
	}
	for i := range live {
		if !strings.EqualFold(live[i], cols[i]) {
			return false
		}
	}
	return true
}

var _ storage.Backend = (*Backend)(nil)
