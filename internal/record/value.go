// Package record holds the cell and row types passed between readers,
// the loader, and storage backends.
//
// Every cell is either NULL or text. Richer typing is left to the backend
// and the queries run against it later.
package record

import (
	"database/sql/driver"
	"strings"
)

// Value is a single cell: NULL when Valid is false, otherwise Text.
type Value struct {
	Text  string
	Valid bool
}

// Null is the NULL cell.
var Null = Value{}

// Text returns a non-NULL cell.
func Text(s string) Value { return Value{Text: s, Valid: true} }

// TextOrNull returns NULL for an empty string, otherwise a text cell.
// Readers use it for empty CSV fields and blank spreadsheet cells.
func TextOrNull(s string) Value {
	if s == "" {
		return Null
	}
	return Text(s)
}

// Any returns nil for NULL and the string otherwise. This is the shape
// database/sql, pgx and the DuckDB appender accept.
func (v Value) Any() any {
	if !v.Valid {
		return nil
	}
	return v.Text
}

// Value implements driver.Valuer.
func (v Value) Value() (driver.Value, error) { return v.Any(), nil }

func (v Value) String() string {
	if !v.Valid {
		return "NULL"
	}
	return v.Text
}

// Row is one record aligned to some column list.
type Row []Value

// Args converts r to driver arguments.
func (r Row) Args() []any {
	out := make([]any, len(r))
	for i, v := range r {
		out[i] = v.Any()
	}
	return out
}

// Texts builds a Row from strings, treating "" as NULL. Mostly useful in tests.
func Texts(ss ...string) Row {
	r := make(Row, len(ss))
	for i, s := range ss {
		r[i] = TextOrNull(s)
	}
	return r
}

// Pad returns r extended with NULLs (or cut) to exactly n cells.
func (r Row) Pad(n int) Row {
	switch {
	case len(r) == n:
		return r
	case len(r) > n:
		return r[:n]
	}
	out := make(Row, n)
	copy(out, r)
	return out
}

// Strings renders r for logs: NULL cells print as NULL.
func (r Row) Strings() string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
	}
	return strings.Join(parts, "|")
}
