package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"bulkload/internal/record"
	"bulkload/internal/storage"
)

func TestSplitPatterns(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: []string{"*"}},
		{in: "*.CSV", want: []string{"*.csv"}},
		{in: "a*.csv; b*.json,", want: []string{"a*.csv", "b*.json"}},
		{in: "*.xlsx", want: []string{"*.xlsx", "*.xls"}},
		{in: "*.xls,*.xlsx", want: []string{"*.xls", "*.xlsx"}},
	}
	for _, tc := range tests {
		if got := SplitPatterns(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitPatterns(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestEnumerate(t *testing.T) {
	fs := memFS(t, map[string]string{
		"/d/b.CSV":       "x\n",
		"/d/a.csv":       "x\n",
		"/d/notes.md":    "ignored",
		"/d/book.xls":    "",
		"/d/sub/c.csv":   "x\n",
		"/d/sub/d.jsonl": "{}\n",
	})

	got, err := Enumerate(fs, Folder{Dir: "/d", Pattern: "*.csv"})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if want := []string{"/d/a.csv", "/d/b.CSV"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("flat=%v want %v", got, want)
	}

	got, err = Enumerate(fs, Folder{Dir: "/d", Recursive: true})
	if err != nil {
		t.Fatalf("Enumerate recursive: %v", err)
	}
	want := []string{"/d/a.csv", "/d/b.CSV", "/d/book.xls", "/d/sub/c.csv", "/d/sub/d.jsonl"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("recursive=%v want %v", got, want)
	}

	if got, _ := Enumerate(fs, Folder{Dir: "/d", Pattern: "*.xlsx"}); !reflect.DeepEqual(got, []string{"/d/book.xls"}) {
		t.Fatalf("xlsx pattern should match .xls, got %v", got)
	}
	if _, err := Enumerate(fs, Folder{Dir: "/d", Pattern: "*.parquet"}); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
	if _, err := Enumerate(fs, Folder{Dir: "/d", Pattern: "[a"}); !errors.Is(err, filepath.ErrBadPattern) {
		t.Fatalf("expected ErrBadPattern, got %v", err)
	}
	if _, err := Enumerate(fs, Folder{Dir: "/missing"}); err == nil {
		t.Fatalf("expected an error for a missing dir")
	}
}

func TestOrchestrator_MergeToOneTable(t *testing.T) {
	b := openSQLite(t)
	fs := memFS(t, map[string]string{
		"/data/people/a.csv":   "id,name\n1,ann\n2,bob\n",
		"/data/people/b.csv":   "id,name,email\n3,cy,c@x\n",
		"/data/people/c.json":  "{not json",
		"/data/people/x.jsonl": "",
	})

	res := newOrchestrator(b, fs).Run(context.Background(), Folder{Dir: "/data/people", Pattern: "*.csv;*.json"}, RunSpec{Mode: Create})
	if res.FilesTotal != 3 || res.FilesSucceeded != 2 || res.FilesFailed != 1 || res.RowsTotal != 3 {
		t.Fatalf("result: %s", res.Summary())
	}
	if got := kinds(res.Errors); got != string(SourceUnreadable) {
		t.Fatalf("errors=%v", res.Errors)
	}
	if got := columnsOf(t, b, "PEOPLE"); !reflect.DeepEqual(got, []string{"ID", "NAME", "EMAIL", "SOURCEFILE"}) {
		t.Fatalf("columns=%v", got)
	}
	if n := count(t, b, `SELECT COUNT(*) FROM "PEOPLE" WHERE "EMAIL" IS NULL AND "SOURCEFILE" = 'a.csv'`); n != 2 {
		t.Fatalf("a.csv rows with NULL email=%d", n)
	}
	if n := count(t, b, `SELECT COUNT(*) FROM "PEOPLE" WHERE "SOURCEFILE" = 'b.csv'`); n != 1 {
		t.Fatalf("b.csv rows=%d", n)
	}
	if len(res.Remaining) != 0 || res.Cancelled {
		t.Fatalf("run should complete: %+v", res)
	}
}

func TestOrchestrator_OneTablePerFileDedup(t *testing.T) {
	b := openSQLite(t)
	seedTable(t, b, "SALES", []string{"X"}, record.Texts("keep"))
	fs := memFS(t, map[string]string{
		"/x/sales.csv": "id\n1\n",
		"/z/Sales.tsv": "id\tqty\n2\t5\n",
	})

	o := newOrchestrator(b, fs)
	res := o.RunFiles(context.Background(), []string{"/x/sales.csv", "/z/Sales.tsv"}, RunSpec{Mode: Create, Naming: OneTablePerFile})
	if res.FilesSucceeded != 2 {
		t.Fatalf("result: %s errors=%v", res.Summary(), res.Errors)
	}
	var tables []string
	for _, f := range res.Files {
		tables = append(tables, f.Table)
	}
	if !reflect.DeepEqual(tables, []string{"SALES_2", "SALES_3"}) {
		t.Fatalf("tables=%v", tables)
	}
	if got := columnsOf(t, b, "SALES_3"); !reflect.DeepEqual(got, []string{"ID", "QTY"}) {
		t.Fatalf("per-file tables carry no source column: %v", got)
	}
	if n := count(t, b, `SELECT COUNT(*) FROM "SALES"`); n != 1 {
		t.Fatalf("existing table touched")
	}
}

func TestOrchestrator_PerFilePrefixAppend(t *testing.T) {
	b := openSQLite(t)
	fs := memFS(t, map[string]string{"/in/2024 orders.csv": "id\n1\n"})
	o := newOrchestrator(b, fs)
	spec := RunSpec{Mode: Append, Naming: OneTablePerFile, Prefix: "stg_"}
	for i := 0; i < 2; i++ {
		if res := o.RunFiles(context.Background(), []string{"/in/2024 orders.csv"}, spec); res.FilesSucceeded != 1 {
			t.Fatalf("run %d: %v", i, res.Errors)
		}
	}
	if n := count(t, b, `SELECT COUNT(*) FROM "STG_2024_ORDERS"`); n != 2 {
		t.Fatalf("append mode reuses the table, rows=%d", n)
	}
}

func TestOrchestrator_ConnectionLostStopsRun(t *testing.T) {
	b := openSQLite(t)
	fs := memFS(t, map[string]string{
		"/d/a.csv": "id\n1\n",
		"/d/b.csv": "id\n2\n",
		"/d/c.csv": "id\n3\n",
	})
	fb := &faultyBackend{Backend: b, failInsert: func(string, []record.Row) error { return storage.ErrConnectionLost }}

	res := newOrchestrator(fb, fs).Run(context.Background(), Folder{Dir: "/d"}, RunSpec{Mode: Create, Table: "T"})
	if !res.ConnectionLost() {
		t.Fatalf("expected connection loss, got %v", res.Errors)
	}
	if res.FilesSucceeded != 1 || res.FilesFailed != 1 {
		t.Fatalf("result: %s", res.Summary())
	}
	if !reflect.DeepEqual(res.Remaining, []string{"/d/c.csv"}) {
		t.Fatalf("remaining=%v", res.Remaining)
	}
	if fb.inserts != 1 {
		t.Fatalf("connection loss must not be retried by later strategies, inserts=%d", fb.inserts)
	}
}

func TestOrchestrator_TruncatedArchiveSkipsOnlyThatFile(t *testing.T) {
	var raw bytes.Buffer
	raw.WriteString("id,name\n")
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&raw, "%d,name-%d-%x\n", i, i*7, i*31)
	}
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	b := openSQLite(t)
	fs := memFS(t, map[string]string{
		"/in/a.csv.gz": string(gz.Bytes()[:gz.Len()/2]),
		"/in/b.csv":    "id\n1\n",
		"/in/c.csv":    "id\n2\n",
	})

	res := newOrchestrator(b, fs).Run(context.Background(), Folder{Dir: "/in"}, RunSpec{Mode: Create, Naming: OneTablePerFile})
	if got := kinds(res.Errors); got != string(SourceUnreadable) {
		t.Fatalf("errors=%v kinds=%s", res.Errors, got)
	}
	if res.ConnectionLost() || len(res.Remaining) != 0 {
		t.Fatalf("a bad file must not stop the run: remaining=%v", res.Remaining)
	}
	if res.FilesSucceeded != 2 || res.FilesFailed != 1 {
		t.Fatalf("result: %s", res.Summary())
	}
	if out := classifyRun(res); out.Status != StatusSucceeded {
		t.Fatalf("status=%s reason=%s", out.Status, out.Reason)
	}
}

func TestOrchestrator_ReplaceTwiceSameRowCount(t *testing.T) {
	b := openSQLite(t)
	fs := memFS(t, map[string]string{
		"/d/a.csv": "id,name\n1,ann\n2,bob\n",
		"/d/b.csv": "id,email\n3,c@x\n",
	})

	var counts []int64
	for run := 0; run < 2; run++ {
		res := newOrchestrator(b, fs).Run(context.Background(), Folder{Dir: "/d"}, RunSpec{Mode: Replace, Table: "T"})
		if res.FilesSucceeded != 2 || res.RowsTotal != 3 {
			t.Fatalf("run %d: %s errors=%v", run, res.Summary(), res.Errors)
		}
		counts = append(counts, count(t, b, `SELECT COUNT(*) FROM "T"`))
	}
	if counts[0] != 3 || counts[1] != counts[0] {
		t.Fatalf("row counts across runs=%v", counts)
	}
	if got := columnsOf(t, b, "T"); !reflect.DeepEqual(got, []string{"ID", "NAME", "EMAIL", "SOURCEFILE"}) {
		t.Fatalf("columns=%v", got)
	}
}

func TestOrchestrator_CancelledBeforeStart(t *testing.T) {
	b := openSQLite(t)
	fs := memFS(t, map[string]string{"/d/a.csv": "id\n1\n", "/d/b.csv": "id\n2\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, nm := range []Naming{MergeToOneTable, OneTablePerFile} {
		res := newOrchestrator(b, fs).Run(ctx, Folder{Dir: "/d"}, RunSpec{Mode: Create, Naming: nm})
		if !res.Cancelled || len(res.Remaining) != 2 || res.RowsTotal != 0 {
			t.Fatalf("%s: %+v", nm, res)
		}
	}
	if ok, _ := b.TableExists(context.Background(), "D"); ok {
		t.Fatalf("a cancelled run must not create tables")
	}
}

func TestOrchestrator_Progress(t *testing.T) {
	b := openSQLite(t)
	fs := memFS(t, map[string]string{"/d/a.csv": "id\n1\n", "/d/b.csv": "id\n2\n"})
	o := newOrchestrator(b, fs)
	var percents []float64
	o.Progress = func(p float64, _ string) { percents = append(percents, p) }

	o.Run(context.Background(), Folder{Dir: "/d"}, RunSpec{Mode: Create})
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("progress=%v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}
}
