package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"bulkload/internal/record"
)

// Execer is the slice of *sql.DB / *sql.Tx / *sql.Conn the shared helpers need.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// IsQuery reports whether stmt returns a row set.
func IsQuery(stmt string) bool {
	s := strings.TrimSpace(stmt)
	for strings.HasPrefix(s, "(") {
		s = strings.TrimSpace(s[1:])
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '\r' || r == '(' })
	if i > 0 {
		s = s[:i]
	}
	switch strings.ToUpper(s) {
	case "SELECT", "WITH", "PRAGMA", "DESCRIBE", "SHOW", "VALUES", "EXPLAIN", "SUMMARIZE", "FROM", "TABLE":
		return true
	}
	return false
}

// ExecSQL runs stmt on a database/sql handle and packs the outcome into a
// Result. Byte slices are returned as strings.
func ExecSQL(ctx context.Context, db Execer, stmt string, args ...any) (Result, error) {
	if !IsQuery(stmt) {
		res, err := db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return Result{}, err
		}
		n, _ := res.RowsAffected()
		return Result{RowsAffected: n}, nil
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	out := Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	out.RowsAffected = int64(len(out.Rows))
	return out, nil
}

// CreateTableSQL renders CREATE TABLE with every column nullable.
func CreateTableSQL(table string, cols []Column, q QuoteStyle, textType string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(q.Quote(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		typ := c.Type
		if typ == "" || strings.EqualFold(typ, "TEXT") {
			typ = textType
		}
		b.WriteString(q.Quote(c.Name))
		b.WriteString(" ")
		b.WriteString(typ)
	}
	b.WriteString(")")
	return b.String()
}

// InsertSQL renders one multi-row INSERT for n rows. ph returns the
// placeholder for the i-th (0-based) argument.
func InsertSQL(table string, columns []string, n int, q QuoteStyle, ph func(i int) string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(q.Quote(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(q.Quote(c))
	}
	b.WriteString(") VALUES ")

	p := 0
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ph(p))
			p++
		}
		b.WriteString(")")
	}
	return b.String()
}

// QuestionMark is the placeholder style of SQLite and DuckDB.
func QuestionMark(int) string { return "?" }

// InsertBatches inserts rows with as many multi-row INSERT statements as
// maxParams requires. It is meant to run inside a transaction.
func InsertBatches(ctx context.Context, db Execer, table string, columns []string, rows []record.Row, q QuoteStyle, maxParams int, ph func(int) string) (int64, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return 0, nil
	}
	per := maxParams / len(columns)
	if per < 1 {
		per = 1
	}

	var total int64
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		args := make([]any, 0, len(batch)*len(columns))
		for _, r := range batch {
			args = append(args, r.Pad(len(columns)).Args()...)
		}
		res, err := db.ExecContext(ctx, InsertSQL(table, columns, len(batch), q, ph), args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil || n < 0 {
			n = int64(len(batch))
		}
		total += n
	}
	return total, nil
}

// CountRows returns SELECT COUNT(*) for table.
func CountRows(ctx context.Context, b Backend, table string) (int64, error) {
	res, _, err := ExecIdent(ctx, b, func(q QuoteStyle) string {
		return "SELECT COUNT(*) FROM " + q.Quote(table)
	})
	if err != nil {
		return 0, err
	}
	if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
		return 0, fmt.Errorf("count %s: unexpected result shape", table)
	}
	return AsInt64(res.Rows[0][0])
}

// AsInt64 converts a scalar result value. Drivers disagree on the Go type
// of COUNT(*).
func AsInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected count type %T", v)
}
