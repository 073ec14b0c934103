package duckdb

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"bulkload/internal/record"
	"bulkload/internal/storage"
)

func openTemp(t *testing.T) storage.Backend {
	t.Helper()
	b, err := New(context.Background(), storage.Config{Kind: "duckdb", DSN: filepath.Join(t.TempDir(), "test.duckdb")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func scalar(t *testing.T, b storage.Backend, query string) int64 {
	t.Helper()
	res, err := b.Execute(context.Background(), query)
	if err != nil {
		t.Fatalf("Execute %q: %v", query, err)
	}
	n, err := storage.AsInt64(res.Rows[0][0])
	if err != nil {
		t.Fatalf("%q: %v", query, err)
	}
	return n
}

func TestBackend_CreateDescribeAppend(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	cols := []storage.Column{{Name: "ID"}, {Name: "NAME"}}
	n, err := b.CreateTableFromRows(ctx, "PEOPLE", cols, []record.Row{
		record.Texts("1", "ann"),
		record.Texts("2", ""),
	})
	if err != nil {
		t.Fatalf("CreateTableFromRows: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	ok, err := b.TableExists(ctx, "people")
	if err != nil || !ok {
		t.Fatalf("TableExists (case-insensitive) = %v, %v", ok, err)
	}

	live, err := b.DescribeTable(ctx, "PEOPLE")
	if err != nil {
		t.Fatalf("DescribeTable: %v", err)
	}
	if got := storage.ColumnNames(live); !reflect.DeepEqual(got, []string{"ID", "NAME"}) || live[0].Type != "VARCHAR" {
		t.Fatalf("unexpected columns: %#v", live)
	}

	// Full column list in table order goes through the Appender.
	if n, err := b.InsertRows(ctx, "PEOPLE", []string{"ID", "NAME"}, []record.Row{record.Texts("3", "cy"), record.Texts("4")}); err != nil || n != 2 {
		t.Fatalf("InsertRows (appender) = %d, %v", n, err)
	}
	// A subset falls back to INSERT statements.
	if n, err := b.InsertRows(ctx, "PEOPLE", []string{"NAME"}, []record.Row{record.Texts("dee")}); err != nil || n != 1 {
		t.Fatalf("InsertRows (subset) = %d, %v", n, err)
	}

	if got := scalar(t, b, `SELECT COUNT(*) FROM "PEOPLE"`); got != 5 {
		t.Fatalf("rows=%d", got)
	}
	if got := scalar(t, b, `SELECT COUNT("NAME") FROM "PEOPLE"`); got != 3 {
		t.Fatalf("non-null names=%d (empty and padded cells must be NULL)", got)
	}
}

func TestBackend_AppenderFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	if _, err := b.Execute(ctx, `CREATE TABLE "N" ("A" INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := b.InsertRows(ctx, "N", []string{"A"}, []record.Row{record.Texts("1"), record.Texts("not a number")})
	if err == nil {
		t.Fatalf("expected the appender to reject a non-integer")
	}
	if got := scalar(t, b, `SELECT COUNT(*) FROM "N"`); got != 0 {
		t.Fatalf("a failed chunk must leave no rows, got %d", got)
	}
	if _, err := b.Execute(ctx, `INSERT INTO "N" VALUES (7)`); err != nil {
		t.Fatalf("backend unusable after rollback: %v", err)
	}
	if got := scalar(t, b, `SELECT COUNT(*) FROM "N"`); got != 1 {
		t.Fatalf("rows=%d", got)
	}
}

func TestBackend_DropTableIdempotent(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	if err := b.DropTable(ctx, "MISSING"); err != nil {
		t.Fatalf("DropTable on missing table: %v", err)
	}
	if _, err := b.CreateTableFromRows(ctx, "T", []storage.Column{{Name: "A"}}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.DropTable(ctx, "T"); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if ok, _ := b.TableExists(ctx, "T"); ok {
		t.Fatalf("table still exists after drop")
	}
}

func TestBackend_NativeCSVLoad(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	path := filepath.Join(t.TempDir(), "sales.csv")
	if err := os.WriteFile(path, []byte("region;amount\nnorth;10\nsouth;\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := "sales.csv"
	load := storage.NativeLoad{
		Table:     "SALES",
		Create:    true,
		Path:      path,
		Format:    storage.NativeCSV,
		Delimiter: ';',
		HasHeader: true,
		Columns: []storage.Projection{
			{Target: "REGION", Source: "region"},
			{Target: "AMOUNT", Source: "amount"},
			{Target: "NOTE"},
			{Target: "SOURCEFILE", Literal: &src},
		},
	}
	stmt, err := b.Dialect().Native.NativeLoadSQL(load, storage.DoubleQuote)
	if err != nil {
		t.Fatalf("NativeLoadSQL: %v", err)
	}
	if _, err := b.Execute(ctx, stmt); err != nil {
		t.Fatalf("native create: %v", err)
	}

	load.Create = false
	stmt, _ = b.Dialect().Native.NativeLoadSQL(load, storage.DoubleQuote)
	if _, err := b.Execute(ctx, stmt); err != nil {
		t.Fatalf("native insert: %v", err)
	}

	if got := scalar(t, b, `SELECT COUNT(*) FROM "SALES" WHERE "SOURCEFILE" = 'sales.csv' AND "NOTE" IS NULL`); got != 4 {
		t.Fatalf("rows=%d", got)
	}
	res, err := b.Execute(ctx, `SELECT "AMOUNT" FROM "SALES" WHERE "REGION" = 'north' LIMIT 1`)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if v, ok := res.Rows[0][0].(string); !ok || v != "10" {
		t.Fatalf("amount must load as text, got %#v", res.Rows[0][0])
	}
	live, _ := b.DescribeTable(ctx, "SALES")
	for _, c := range live {
		if c.Type != "VARCHAR" {
			t.Fatalf("column %s has type %s", c.Name, c.Type)
		}
	}
}
