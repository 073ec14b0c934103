package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"bulkload/internal/logging"
	"bulkload/internal/naming"
	"bulkload/internal/record"
	"bulkload/internal/source"
	"bulkload/internal/storage"
	"bulkload/internal/storage/sqlite"
)

func openSQLite(t *testing.T) storage.Backend {
	t.Helper()
	b, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "ingest.db")})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func memFS(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for p, body := range files {
		if err := afero.WriteFile(fs, p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	return fs
}

func newOrchestrator(b storage.Backend, fs afero.Fs) *Orchestrator {
	return &Orchestrator{
		Backend: b,
		Fs:      fs,
		Naming:  naming.New(naming.Upper, b.Dialect().Reserved...),
		Format:  source.DefaultOptions(),
		Logger:  logging.Discard(),
	}
}

func newLoader(b storage.Backend, fs afero.Fs) *Loader {
	return &Loader{
		Backend: b,
		Fs:      fs,
		Naming:  naming.New(naming.Upper, b.Dialect().Reserved...),
		Format:  source.DefaultOptions(),
		Logger:  logging.Discard(),
	}
}

func detect(t *testing.T, fs afero.Fs, path string) source.SourceFile {
	t.Helper()
	f, err := source.Detect(fs, path)
	if err != nil {
		t.Fatalf("Detect %s: %v", path, err)
	}
	return f
}

func count(t *testing.T, b storage.Backend, query string) int64 {
	t.Helper()
	res, err := b.Execute(context.Background(), query)
	if err != nil {
		t.Fatalf("Execute %q: %v", query, err)
	}
	if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
		t.Fatalf("%q: unexpected shape %#v", query, res.Rows)
	}
	n, err := storage.AsInt64(res.Rows[0][0])
	if err != nil {
		t.Fatalf("%q: %v", query, err)
	}
	return n
}

func columnsOf(t *testing.T, b storage.Backend, table string) []string {
	t.Helper()
	cols, err := b.DescribeTable(context.Background(), table)
	if err != nil {
		t.Fatalf("DescribeTable %s: %v", table, err)
	}
	return storage.ColumnNames(cols)
}

func seedTable(t *testing.T, b storage.Backend, table string, cols []string, rows ...record.Row) {
	t.Helper()
	sc := make([]storage.Column, len(cols))
	for i, c := range cols {
		sc[i] = storage.Column{Name: c, Type: "TEXT"}
	}
	if _, err := b.CreateTableFromRows(context.Background(), table, sc, rows); err != nil {
		t.Fatalf("seed %s: %v", table, err)
	}
}

// faultyBackend wraps a real backend and fails writes on demand.
type faultyBackend struct {
	storage.Backend

	mu sync.Mutex

	// failInsert returns the error InsertRows should fail with, or nil.
	failInsert func(table string, rows []record.Row) error
	// failCreate does the same for CreateTableFromRows.
	failCreate func(table string, rows []record.Row) error

	inserts int
}

func (f *faultyBackend) InsertRows(ctx context.Context, name string, columns []string, rows []record.Row) (int64, error) {
	f.mu.Lock()
	f.inserts++
	fail := f.failInsert
	f.mu.Unlock()
	if fail != nil {
		if err := fail(name, rows); err != nil {
			return 0, err
		}
	}
	return f.Backend.InsertRows(ctx, name, columns, rows)
}

func (f *faultyBackend) CreateTableFromRows(ctx context.Context, name string, cols []storage.Column, rows []record.Row) (int64, error) {
	if f.failCreate != nil {
		if err := f.failCreate(name, rows); err != nil {
			return 0, err
		}
	}
	return f.Backend.CreateTableFromRows(ctx, name, cols, rows)
}

var errBulk = errors.New("bulk path rejected the batch")

// rejectMultiRow fails every multi-row insert and any row whose first cell
// is "bad".
func rejectMultiRow(_ string, rows []record.Row) error {
	if len(rows) > 1 {
		return errBulk
	}
	if len(rows) == 1 && len(rows[0]) > 0 && rows[0][0].Text == "bad" {
		return errors.New("value rejected")
	}
	return nil
}

func kinds(errs []error) string {
	var parts []string
	for _, err := range errs {
		parts = append(parts, string(KindOf(err)))
	}
	return strings.Join(parts, ",")
}
