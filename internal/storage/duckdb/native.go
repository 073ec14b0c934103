package duckdb

import (
	"fmt"
	"strings"

	"bulkload/internal/storage"
)

// nativeLoader renders INSERT ... SELECT / CREATE TABLE ... AS SELECT over
// DuckDB's read_csv, read_parquet and read_json table functions. Every
// projected value is cast to VARCHAR so natively loaded rows match rows
// written through the reader path.
type nativeLoader struct{}

func (nativeLoader) Supports(f storage.NativeFormat) bool {
	switch f {
	case storage.NativeCSV, storage.NativeParquet, storage.NativeJSON:
		return true
	}
	return false
}

func (nativeLoader) NativeLoadSQL(req storage.NativeLoad, q storage.QuoteStyle) (string, error) {
	if req.Table == "" || req.Path == "" {
		return "", fmt.Errorf("duckdb: native load needs table and path")
	}
	if len(req.Columns) == 0 {
		return "", fmt.Errorf("duckdb: native load needs at least one column")
	}

	scan, err := scanExpr(req)
	if err != nil {
		return "", err
	}

	sel := make([]string, len(req.Columns))
	targets := make([]string, len(req.Columns))
	for i, p := range req.Columns {
		var expr string
		switch {
		case p.Literal != nil:
			expr = "CAST(" + storage.QuoteLiteral(*p.Literal) + " AS VARCHAR)"
		case p.Source != "":
			// Source names come straight from the file header and are always
			// double-quoted, whatever style the targets use.
			expr = "CAST(" + storage.DoubleQuote.Quote(p.Source) + " AS VARCHAR)"
		default:
			expr = "CAST(NULL AS VARCHAR)"
		}
		targets[i] = q.Quote(p.Target)
		sel[i] = expr + " AS " + targets[i]
	}

	selectSQL := "SELECT " + strings.Join(sel, ", ") + " FROM " + scan
	if req.Create {
		return "CREATE TABLE " + q.Quote(req.Table) + " AS " + selectSQL, nil
	}
	return "INSERT INTO " + q.Quote(req.Table) + " (" + strings.Join(targets, ", ") + ") " + selectSQL, nil
}

func scanExpr(req storage.NativeLoad) (string, error) {
	path := storage.QuoteLiteral(req.Path)
	switch req.Format {
	case storage.NativeCSV:
		delim := req.Delimiter
		if delim == 0 {
			delim = ','
		}
		d := string(delim)
		if delim == '\t' {
			d = `\t`
		}
		return fmt.Sprintf("read_csv(%s, delim=%s, header=%t, all_varchar=true, quote='\"', escape='\"')",
			path, storage.QuoteLiteral(d), req.HasHeader), nil
	case storage.NativeParquet:
		return fmt.Sprintf("read_parquet(%s)", path), nil
	case storage.NativeJSON:
		return fmt.Sprintf("read_json_auto(%s, format='newline_delimited')", path), nil
	default:
		return "", fmt.Errorf("duckdb: unsupported native format %q", req.Format)
	}
}
