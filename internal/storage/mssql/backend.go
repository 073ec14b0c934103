// Package mssql implements storage.Backend for Microsoft SQL Server,
// registered under kind "mssql".
//
// Bulk inserts use the TDS bulk-copy protocol (mssql.CopyIn) inside a
// transaction. Tables are created with NVARCHAR(MAX) columns and schema
// evolution uses "ALTER TABLE ... ADD" (SQL Server has no ADD COLUMN).
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"bulkload/internal/record"
	"bulkload/internal/storage"
)

const textType = "NVARCHAR(MAX)"

// Backend implements storage.Backend for SQL Server.
type Backend struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
	storage.RegisterConnClassifier(isConnErr)
}

// New opens a connection pool with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// The engine writes from a single worker; a small pool is plenty.
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Backend{db: &sqlDB{db: raw}}, nil
}

func (b *Backend) Kind() string { return "mssql" }

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) Dialect() storage.Dialect {
	return storage.Dialect{
		Name:        "mssql",
		TextType:    textType,
		AddColumn:   "ADD",
		QuoteStyles: []storage.QuoteStyle{storage.DoubleQuote, storage.Unquoted, storage.Bracket},
		Reserved:    []string{"BROWSE", "CLUSTERED", "DUMP", "FILE", "HOLDLOCK", "IDENTITY", "NOCHECK", "PERCENT", "PIVOT", "PLAN", "PROC", "TOP", "TRAN", "TSEQUAL", "UNPIVOT"},
	}
}

func (b *Backend) Execute(ctx context.Context, stmt string, args ...any) (storage.Result, error) {
	return storage.ExecSQL(ctx, b.db, stmt, args...)
}

func (b *Backend) TableExists(ctx context.Context, name string) (bool, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = SCHEMA_NAME() AND LOWER(TABLE_NAME) = LOWER(@p1)`,
		name,
	)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, err
		}
	}
	return n > 0, rows.Err()
}

func (b *Backend) DescribeTable(ctx context.Context, name string) ([]storage.Column, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = SCHEMA_NAME() AND LOWER(TABLE_NAME) = LOWER(@p1)
		 ORDER BY ORDINAL_POSITION`,
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
	_, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+mssqlIdent(name))
	return err
}

// CreateTableFromRows creates the table and bulk-copies rows in one
// transaction. SQL Server DDL is transactional, so a failed copy leaves no
// table behind.
func (b *Backend) CreateTableFromRows(ctx context.Context, name string, cols []storage.Column, rows []record.Row) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, storage.CreateTableSQL(name, cols, storage.Bracket, textType)); err != nil {
		return 0, fmt.Errorf("mssql: create table %s: %w", name, err)
	}
	n, err := copyIn(ctx, tx, name, storage.ColumnNames(cols), rows)
	if err != nil {
		return 0, fmt.Errorf("mssql: bulk copy into %s: %w", name, err)
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

	n, err := copyIn(ctx, tx, name, columns, rows)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// copyIn streams rows through a CopyIn statement. Each Exec with arguments
// buffers one row; the final Exec without arguments flushes the batch and
// reports the row count.
func copyIn(ctx context.Context, tx txConn, table string, columns []string, rows []record.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{Tablock: true}, columns...))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Pad(len(columns)).Args()...); err != nil {
			return 0, err
		}
	}
	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil || n < 0 {
		n = int64(len(rows))
	}
	return n, nil
}

// mssqlIdent bracket-quotes an identifier, escaping "]".
func mssqlIdent(s string) string {
	return storage.Bracket.Quote(s)
}

// isConnErr recognizes go-mssqldb failures that mean the session is gone.
func isConnErr(err error) bool {
	var me mssql.Error
	if errors.As(err, &me) {
		// 233: no process on the other end of the pipe; 10054: connection reset.
		switch me.Number {
		case 233, 10053, 10054:
			return true
		}
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to open tcp connection") ||
		strings.Contains(msg, "login error") ||
		strings.Contains(msg, "connection reset")
}

// dbConn is a small interface over *sql.DB used for testability.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn models the transactional methods the create and bulk-copy paths need.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct{ db *sql.DB }

func (s *sqlDB) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, q, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, q, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	return s.db.BeginTx(ctx, opts)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ storage.Backend = (*Backend)(nil)
