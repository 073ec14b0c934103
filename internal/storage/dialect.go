package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// QuoteStyle is one way of writing an identifier into SQL text.
type QuoteStyle int

const (
	// DoubleQuote writes "name" (ANSI).
	DoubleQuote QuoteStyle = iota
	// Unquoted writes name as-is. Only safe for sanitized identifiers.
	Unquoted
	// Bracket writes [name] (SQL Server, SQLite).
	Bracket
)

func (q QuoteStyle) String() string {
	switch q {
	case Unquoted:
		return "unquoted"
	case Bracket:
		return "bracket"
	default:
		return "double"
	}
}

// Quote renders ident in style q, escaping the closing delimiter.
func (q QuoteStyle) Quote(ident string) string {
	switch q {
	case Unquoted:
		return ident
	case Bracket:
		return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
	default:
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
}

// DefaultQuoteStyles is the fallback order used when a dialect does not
// narrow it: double-quoted, then unquoted, then bracket-quoted.
var DefaultQuoteStyles = []QuoteStyle{DoubleQuote, Unquoted, Bracket}

// NativeFormat is a file format a backend may be able to scan itself.
type NativeFormat string

const (
	NativeCSV     NativeFormat = "csv"
	NativeParquet NativeFormat = "parquet"
	NativeJSON    NativeFormat = "json"
)

// Projection maps one target column of a native load. Exactly one of
// Source or Literal is used; neither means NULL.
type Projection struct {
	Target  string
	Source  string
	Literal *string
}

// NativeLoad describes a file-reference bulk load the backend runs itself.
type NativeLoad struct {
	Table     string
	Create    bool
	Path      string
	Format    NativeFormat
	Delimiter rune
	HasHeader bool
	Columns   []Projection
}

// NativeLoader builds the statement for a native bulk load. q quotes
// identifiers in the style currently being attempted.
type NativeLoader interface {
	Supports(f NativeFormat) bool
	NativeLoadSQL(req NativeLoad, q QuoteStyle) (string, error)
}

// Dialect describes what the engine needs to know about a backend's SQL.
type Dialect struct {
	Name string

	// TextType is the loosest textual column type (TEXT, VARCHAR, NVARCHAR(MAX)).
	TextType string

	// AddColumn is the ALTER TABLE verb: "ADD COLUMN" or "ADD" (SQL Server).
	AddColumn string

	// QuoteStyles is the identifier quoting fallback order. Empty means
	// DefaultQuoteStyles.
	QuoteStyles []QuoteStyle

	// Reserved lists dialect-specific reserved words for the name sanitizer.
	Reserved []string

	// Native is nil when the backend cannot load files by reference.
	Native NativeLoader
}

// Styles returns the effective quoting fallback order.
func (d Dialect) Styles() []QuoteStyle {
	if len(d.QuoteStyles) == 0 {
		return DefaultQuoteStyles
	}
	return d.QuoteStyles
}

// AddColumnSQL renders ALTER TABLE ... ADD [COLUMN] ... for one text column.
func (d Dialect) AddColumnSQL(table, column string, q QuoteStyle) string {
	verb := d.AddColumn
	if verb == "" {
		verb = "ADD COLUMN"
	}
	typ := d.TextType
	if typ == "" {
		typ = "TEXT"
	}
	return fmt.Sprintf("ALTER TABLE %s %s %s %s", q.Quote(table), verb, q.Quote(column), typ)
}

// SupportsNative reports whether the dialect can natively load format f.
func (d Dialect) SupportsNative(f NativeFormat) bool {
	return d.Native != nil && d.Native.Supports(f)
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ExecIdent runs an identifier-bearing statement, trying each of the
// backend's quoting styles in order. The first success wins and later styles
// are not attempted.
//
// Edge cases:
//   - Connection loss and context errors stop the fallback immediately.
//   - build may return "" to skip a style it cannot express.
//
// Errors:
//   - When every style fails, the error from the first attempted style is
//     returned (it is the canonical rendering and the most informative).
func ExecIdent(ctx context.Context, b Backend, build func(q QuoteStyle) string) (Result, QuoteStyle, error) {
	var first error
	for _, q := range b.Dialect().Styles() {
		stmt := build(q)
		if stmt == "" {
			continue
		}
		res, err := b.Execute(ctx, stmt)
		if err == nil {
			return res, q, nil
		}
		if IsConnectionLost(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, q, err
		}
		if first == nil {
			first = err
		}
	}
	if first == nil {
		first = ErrUnsupported
	}
	return Result{}, DoubleQuote, first
}
