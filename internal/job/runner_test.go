package job

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"bulkload/internal/config"
	"bulkload/internal/ingest"
	"bulkload/internal/logging"
	"bulkload/internal/source"
	"bulkload/internal/storage"
	"bulkload/internal/storage/sqlite"
)

type openRecorder struct {
	configs []storage.Config
	closed  int
}

type closeCounter struct {
	storage.Backend
	rec *openRecorder
}

func (c *closeCounter) Close() error {
	c.rec.closed++
	return c.Backend.Close()
}

func newRunner(t *testing.T, files map[string]string) (*Runner, *openRecorder) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for p, body := range files {
		if err := afero.WriteFile(fs, p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	rec := &openRecorder{}
	r := &Runner{
		Open: func(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
			rec.configs = append(rec.configs, cfg)
			b, err := sqlite.New(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return &closeCounter{Backend: b, rec: rec}, nil
		},
		Options: ingest.Options{Fs: fs, Logger: logging.Discard()},
		Logger:  logging.Discard(),
	}
	return r, rec
}

func countIn(t *testing.T, dsn, table string) int64 {
	t.Helper()
	b, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	n, err := storage.CountRows(context.Background(), b, table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

var salesFiles = map[string]string{
	"/in/sales/jan.csv":  "product,qty\napple,2\npear,1\n",
	"/in/sales/feb.csv":  "product,qty,region\napple,5,north\n",
	"/in/products.tsv":   "product\tprice\napple\t1.5\npear\t2\n",
	"/in/sales/notes.md": "ignored",
}

func salesJob(dsn string) *config.Job {
	return &config.Job{
		Name:    "nightly",
		Backend: config.JobBackend{DSN: dsn},
		Sources: []config.JobSource{
			{Name: "sales", Folder: "/in/sales", Table: "sales", Mode: "replace"},
			{File: "/in/products.tsv", Table: "products", Mode: "replace", Format: config.JobFormat{Delimiter: "tab"}},
		},
		Transform: &config.JobTransform{
			Output: "sales by product",
			SQL:    "SELECT s.PRODUCT, SUM(CAST(s.QTY AS INTEGER)) AS QTY FROM SALES s JOIN PRODUCTS p ON p.PRODUCT = s.PRODUCT GROUP BY s.PRODUCT;",
		},
	}
}

func TestRunner_LoadsSourcesThenTransforms(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "job.db")
	r, rec := newRunner(t, salesFiles)

	rep, err := r.Run(context.Background(), salesJob(dsn), storage.Config{Kind: "sqlite", DSN: "ignored.db"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.configs) != 1 || rec.configs[0] != (storage.Config{Kind: "sqlite", DSN: dsn}) {
		t.Fatalf("open configs=%+v", rec.configs)
	}
	if rec.closed != 1 {
		t.Fatalf("backend closed %d times", rec.closed)
	}
	if len(rep.Sources) != 2 || rep.Sources[0].Name != "sales" || rep.Sources[1].Name != "products.tsv" {
		t.Fatalf("sources=%+v", rep.Sources)
	}
	for _, s := range rep.Sources {
		if s.Outcome.Status != ingest.StatusSucceeded {
			t.Fatalf("%s: %+v", s.Name, s.Outcome)
		}
	}
	if rep.Sources[0].Outcome.Result.RowsTotal != 3 {
		t.Fatalf("sales rows=%d", rep.Sources[0].Outcome.Result.RowsTotal)
	}
	if rep.Transform == nil || rep.Transform.Table != "SALES_BY_PRODUCT" || rep.Transform.Rows != 2 {
		t.Fatalf("transform=%+v", rep.Transform)
	}
	if n := countIn(t, dsn, "SALES"); n != 3 {
		t.Fatalf("SALES rows=%d", n)
	}
}

func TestRunner_TransformConflictAndReplace(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "job.db")
	r, _ := newRunner(t, salesFiles)
	job := salesJob(dsn)
	job.Backend.Kind = "sqlite"

	if _, err := r.Run(context.Background(), job, storage.Config{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := r.Run(context.Background(), job, storage.Config{})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second run without replace: err=%v", err)
	}

	job.Transform.Replace = true
	rep, err := r.Run(context.Background(), job, storage.Config{})
	if err != nil || rep.Transform == nil || rep.Transform.Rows != 2 {
		t.Fatalf("replace run: rep=%+v err=%v", rep, err)
	}
	if n := countIn(t, dsn, "SALES"); n != 3 {
		t.Fatalf("sources in replace mode must not accumulate, rows=%d", n)
	}
}

func TestRunner_InvalidJobNeverOpens(t *testing.T) {
	r, rec := newRunner(t, nil)
	job := &config.Job{Sources: []config.JobSource{{File: "/a.csv", Mode: "upsert"}, {}}}

	_, err := r.Run(context.Background(), job, storage.Config{Kind: "sqlite"})
	if err == nil || !strings.Contains(err.Error(), "sources[0].mode") || !strings.Contains(err.Error(), "sources[1]") {
		t.Fatalf("err=%v", err)
	}
	if len(rec.configs) != 0 {
		t.Fatalf("backend must not be opened for an invalid job")
	}
	if _, err := r.Run(context.Background(), nil, storage.Config{}); err == nil {
		t.Fatalf("nil job must fail")
	}
}

func TestRunner_FailedSourceSkipsTransform(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "job.db")
	r, _ := newRunner(t, map[string]string{"/in/a.csv": "id\n1\n"})
	job := &config.Job{
		Backend: config.JobBackend{Kind: "sqlite", DSN: dsn},
		Sources: []config.JobSource{
			{File: "/in/missing.csv"},
			{File: "/in/a.csv"},
		},
		Transform: &config.JobTransform{Output: "out", SQL: "SELECT * FROM A"},
	}

	rep, err := r.Run(context.Background(), job, storage.Config{})
	if !errors.Is(err, ErrSourcesFailed) {
		t.Fatalf("err=%v", err)
	}
	if len(rep.Sources) != 2 || rep.Sources[0].Outcome.Status != ingest.StatusFailed || rep.Sources[1].Outcome.Status != ingest.StatusSucceeded {
		t.Fatalf("a failed source must not stop the next one: %+v", rep.Sources)
	}
	if rep.Transform != nil {
		t.Fatalf("transform must not run after a failure")
	}
}

func TestRunner_CancelSkipsRemainingSources(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "job.db")
	r, _ := newRunner(t, map[string]string{"/in/a.csv": "id\n1\n", "/in/b.csv": "id\n2\n"})
	job := &config.Job{
		Backend: config.JobBackend{Kind: "sqlite", DSN: dsn},
		Sources: []config.JobSource{{File: "/in/a.csv"}, {Name: "second", File: "/in/b.csv"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := r.Run(ctx, job, storage.Config{})
	if !errors.Is(err, ErrSourcesFailed) {
		t.Fatalf("err=%v", err)
	}
	if len(rep.Sources) != 1 || rep.Sources[0].Outcome.Status != ingest.StatusCancelled {
		t.Fatalf("sources=%+v", rep.Sources)
	}
	if strings.Join(rep.Skipped, ",") != "second" {
		t.Fatalf("skipped=%v", rep.Skipped)
	}
}

func TestRequestFor(t *testing.T) {
	noHeader := false
	tests := []struct {
		name  string
		src   config.JobSource
		check func(t *testing.T, req ingest.Request)
	}{
		{
			name: "file defaults",
			src:  config.JobSource{File: "/a.csv"},
			check: func(t *testing.T, req ingest.Request) {
				if req.Source.File != "/a.csv" || req.Source.Folder != nil || req.Mode != ingest.Create || req.Naming != ingest.MergeToOneTable {
					t.Fatalf("req=%+v", req)
				}
				if req.Format != source.DefaultOptions() {
					t.Fatalf("format=%+v", req.Format)
				}
			},
		},
		{
			name: "folder with format",
			src: config.JobSource{
				Folder: "/in", Pattern: "*.xlsx", Recursive: true, Naming: "per_file", Prefix: "stg_", Mode: "append",
				Format: config.JobFormat{Delimiter: ";", HasHeader: &noHeader, PartitionMode: "named", PartitionName: "Q1", Encoding: "latin1"},
			},
			check: func(t *testing.T, req ingest.Request) {
				f := req.Source.Folder
				if f == nil || f.Dir != "/in" || f.Pattern != "*.xlsx" || !f.Recursive {
					t.Fatalf("folder=%+v", f)
				}
				if req.Naming != ingest.OneTablePerFile || req.Mode != ingest.Append || req.Prefix != "stg_" {
					t.Fatalf("req=%+v", req)
				}
				want := source.Options{Delimiter: ';', Encoding: "latin1", PartitionMode: source.PartitionNamed, PartitionName: "Q1"}
				if req.Format != want {
					t.Fatalf("format=%+v want %+v", req.Format, want)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := RequestFor(tc.src)
			if err != nil {
				t.Fatalf("RequestFor: %v", err)
			}
			tc.check(t, req)
		})
	}

	if _, err := RequestFor(config.JobSource{File: "/a.csv", Format: config.JobFormat{PartitionMode: "some"}}); err == nil {
		t.Fatalf("bad partition mode must fail")
	}
}
