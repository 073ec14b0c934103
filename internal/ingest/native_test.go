package ingest

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/afero"

	"bulkload/internal/logging"
	"bulkload/internal/naming"
	"bulkload/internal/source"
	"bulkload/internal/storage"
	"bulkload/internal/storage/duckdb"
)

func TestScannableLabels(t *testing.T) {
	tests := []struct {
		labels []string
		want   bool
	}{
		{labels: []string{"id", "name", "e-mail"}, want: true},
		{labels: []string{"a", "a"}, want: false},
		{labels: []string{"Id", "ID"}, want: false},
		{labels: []string{"a", "", "x"}, want: false},
		{labels: []string{" padded", "x"}, want: false},
		{labels: []string{"x "}, want: false},
	}
	for _, tc := range tests {
		if got := scannableLabels(tc.labels); got != tc.want {
			t.Fatalf("scannableLabels(%q)=%v want %v", tc.labels, got, tc.want)
		}
	}
}

func openDuckDB(t *testing.T) storage.Backend {
	t.Helper()
	b, err := duckdb.New(context.Background(), storage.Config{Kind: "duckdb", DSN: filepath.Join(t.TempDir(), "ingest.duckdb")})
	if err != nil {
		t.Fatalf("duckdb.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// osOrchestrator writes files under a temp dir and returns an orchestrator
// on the OS filesystem, the only one native scans can read.
func osOrchestrator(t *testing.T, b storage.Backend, files map[string]string) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	fs := afero.NewOsFs()
	for name, body := range files {
		if err := afero.WriteFile(fs, filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return &Orchestrator{
		Backend: b,
		Fs:      fs,
		Naming:  naming.New(naming.Upper, b.Dialect().Reserved...),
		Format:  source.DefaultOptions(),
		Native:  true,
		Logger:  logging.Discard(),
	}, dir
}

func selectAll(t *testing.T, b storage.Backend, query string) [][]any {
	t.Helper()
	res, err := b.Execute(context.Background(), query)
	if err != nil {
		t.Fatalf("Execute %q: %v", query, err)
	}
	return res.Rows
}

func TestNative_MergeFolderOnDuckDB(t *testing.T) {
	b := openDuckDB(t)
	o, dir := osOrchestrator(t, b, map[string]string{
		"a.csv": "id,name\n1,ann\n2,bob\n",
		"b.csv": "id,name,email\n3,cy,c@x\n",
	})

	res := o.Run(context.Background(), Folder{Dir: dir}, RunSpec{Mode: Create, Table: "PEOPLE"})
	if res.FilesSucceeded != 2 || res.RowsTotal != 3 {
		t.Fatalf("result: %s errors=%v", res.Summary(), res.Errors)
	}
	for _, f := range res.Files {
		if f.Strategy != NativeBulkLoad {
			t.Fatalf("%s used %q", f.Path, f.Strategy)
		}
	}
	if got := columnsOf(t, b, "PEOPLE"); !reflect.DeepEqual(got, []string{"ID", "NAME", "EMAIL", "SOURCEFILE"}) {
		t.Fatalf("columns=%v", got)
	}
	if n := count(t, b, `SELECT COUNT(*) FROM "PEOPLE" WHERE "EMAIL" IS NULL AND "SOURCEFILE" = 'a.csv'`); n != 2 {
		t.Fatalf("a.csv rows with NULL email=%d", n)
	}
	rows := selectAll(t, b, `SELECT "ID", "NAME", "EMAIL" FROM "PEOPLE" WHERE "SOURCEFILE" = 'b.csv'`)
	if len(rows) != 1 || !reflect.DeepEqual(rows[0], []any{"3", "cy", "c@x"}) {
		t.Fatalf("b.csv rows=%v", rows)
	}
}

func TestNative_AmbiguousHeadersUseChunkedLoad(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		columns []string
		want    []any
	}{
		{name: "dup", body: "a,a,,x\n1,2,3,4\n", columns: []string{"A", "A_2", "UNNAMED_COLUMN", "X"}, want: []any{"1", "2", "3", "4"}},
		{name: "case", body: "Id,ID\n1,2\n", columns: []string{"ID", "ID_2"}, want: []any{"1", "2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := openDuckDB(t)
			o, dir := osOrchestrator(t, b, map[string]string{"t.csv": tc.body})

			res := o.RunFile(context.Background(), filepath.Join(dir, "t.csv"), RunSpec{Mode: Create, Table: "T"})
			if res.FilesSucceeded != 1 {
				t.Fatalf("result: %s errors=%v", res.Summary(), res.Errors)
			}
			if s := res.Files[0].Strategy; s == NativeBulkLoad {
				t.Fatalf("native scan used for header %q", tc.body)
			}
			if got := columnsOf(t, b, "T"); !reflect.DeepEqual(got, tc.columns) {
				t.Fatalf("columns=%v want %v", got, tc.columns)
			}
			rows := selectAll(t, b, `SELECT * FROM "T"`)
			if len(rows) != 1 || !reflect.DeepEqual(rows[0], tc.want) {
				t.Fatalf("rows=%v want %v", rows, tc.want)
			}
		})
	}
}
