/*
Package postgres implements storage.Backend for Postgres on pgxpool,
registered under kind "postgres".

It provides:
  - COPY-based bulk inserts (CopyFrom) inside a transaction
  - transactional create-and-fill for new tables
  - information_schema lookups scoped to current_schema()

Server-side COPY FROM 'file' would need the file on the database host, so
this backend does not offer a native bulk load.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulkload/internal/record"
	"bulkload/internal/storage"
)

// Backend implements storage.Backend for Postgres.
type Backend struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
	storage.RegisterConnClassifier(isConnErr)
}

// New creates a pool and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Kind() string { return "postgres" }

// Close closes the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func (b *Backend) Dialect() storage.Dialect {
	return storage.Dialect{
		Name:        "postgres",
		TextType:    "TEXT",
		AddColumn:   "ADD COLUMN",
		QuoteStyles: []storage.QuoteStyle{storage.DoubleQuote, storage.Unquoted},
		Reserved:    []string{"ANALYSE", "ANALYZE", "ARRAY", "ASYMMETRIC", "BOTH", "DO", "LATERAL", "LEADING", "ONLY", "PLACING", "RETURNING", "SYMMETRIC", "TRAILING", "VARIADIC"},
	}
}

func (b *Backend) Execute(ctx context.Context, stmt string, args ...any) (storage.Result, error) {
	if !storage.IsQuery(stmt) {
		tag, err := b.pool.Exec(ctx, stmt, args...)
		if err != nil {
			return storage.Result{}, err
		}
		return storage.Result{RowsAffected: tag.RowsAffected()}, nil
	}

	rows, err := b.pool.Query(ctx, stmt, args...)
	if err != nil {
		return storage.Result{}, err
	}
	defer rows.Close()

	var out storage.Result
	for _, fd := range rows.FieldDescriptions() {
		out.Columns = append(out.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return storage.Result{}, err
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return storage.Result{}, err
	}
	out.RowsAffected = int64(len(out.Rows))
	return out, nil
}

func (b *Backend) TableExists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM information_schema.tables
		   WHERE table_schema = current_schema() AND lower(table_name) = lower($1)
		 )`,
		name,
	).Scan(&ok)
	return ok, err
}

func (b *Backend) DescribeTable(ctx context.Context, name string) ([]storage.Column, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = current_schema() AND lower(table_name) = lower($1)
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
	_, err := b.pool.Exec(ctx, "DROP TABLE IF EXISTS "+storage.DoubleQuote.Quote(name))
	return err
}

func (b *Backend) CreateTableFromRows(ctx context.Context, name string, cols []storage.Column, rows []record.Row) (int64, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, storage.CreateTableSQL(name, cols, storage.DoubleQuote, "TEXT")); err != nil {
		return 0, fmt.Errorf("create table %s: %w", name, err)
	}
	n, err := copyRows(ctx, tx, name, storage.ColumnNames(cols), rows)
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", name, err)
	}
	return n, tx.Commit(ctx)
}

func (b *Backend) InsertRows(ctx context.Context, name string, columns []string, rows []record.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	n, err := copyRows(ctx, tx, name, columns, rows)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit(ctx)
}

func copyRows(ctx context.Context, tx pgx.Tx, table string, columns []string, rows []record.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = r.Pad(len(columns)).Args()
	}
	return tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(src))
}

// isConnErr recognizes pgx failures that happen before a statement reaches
// the server, or that leave the connection unusable.
func isConnErr(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "closed pool")
}

var _ storage.Backend = (*Backend)(nil)
