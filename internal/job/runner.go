// Package job runs automation files: several ingestion requests against one
// backend followed by an optional SQL transform.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"bulkload/internal/config"
	"bulkload/internal/ingest"
	"bulkload/internal/logging"
	"bulkload/internal/metrics"
	"bulkload/internal/naming"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

// Runner executes jobs. The fields are seams for tests.
type Runner struct {
	// Open opens the job's backend. The runner closes what it opens.
	Open func(ctx context.Context, cfg storage.Config) (storage.Backend, error)

	// Engine options shared by every source of a job.
	Options ingest.Options

	Logger *slog.Logger
}

// NewDefaultRunner opens backends through the storage registry.
func NewDefaultRunner(opts ingest.Options) *Runner {
	return &Runner{Open: storage.Open, Options: opts, Logger: opts.Logger}
}

// SourceReport is the outcome of one job source.
type SourceReport struct {
	Name    string
	Outcome ingest.Outcome
}

// Report summarises a job.
type Report struct {
	Job     string
	Sources []SourceReport

	// Skipped names sources that never ran because an earlier one stopped
	// the job.
	Skipped []string

	// Transform is set when the transform ran.
	Transform *TransformReport

	Elapsed time.Duration
}

// TransformReport describes the table the transform produced.
type TransformReport struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// ErrSourcesFailed is returned when at least one source did not succeed.
var ErrSourcesFailed = errors.New("job: one or more sources did not succeed")

// Run validates j, opens its backend and loads every source in order.
//
// Edge cases:
//   - An empty backend kind or DSN in the job falls back to fallback.
//   - A source that fails does not stop the job unless the connection was
//     lost or ctx was cancelled; the remaining sources are then Skipped.
//   - The transform runs only when every source succeeded.
//   - A ctx cancelled before Run still opens the backend; the first source
//     reports Cancelled and the rest are Skipped.
//
// Errors:
//   - Validation errors are returned before the backend is opened.
//   - ErrSourcesFailed (wrapped) when any source failed or was cancelled.
func (r *Runner) Run(ctx context.Context, j *config.Job, fallback storage.Config) (Report, error) {
	if j == nil {
		return Report{}, errors.New("job: nil job")
	}
	start := time.Now()
	log := r.logger()

	issues := config.ValidateJob(j)
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			log.Warn("job warning", "path", iss.Path, "message", iss.Message)
		}
	}
	if config.HasErrors(issues) {
		var errs []error
		for _, iss := range issues {
			if iss.Severity == config.SeverityError {
				errs = append(errs, errors.New(iss.String()))
			}
		}
		return Report{Job: j.Name}, fmt.Errorf("job %q is invalid: %w", j.Name, errors.Join(errs...))
	}

	requests := make([]ingest.Request, len(j.Sources))
	for i, s := range j.Sources {
		req, err := RequestFor(s)
		if err != nil {
			return Report{Job: j.Name}, fmt.Errorf("sources[%d]: %w", i, err)
		}
		requests[i] = req
	}

	cfg := storage.Config{Kind: j.Backend.Kind, DSN: j.Backend.DSN}
	if cfg.Kind == "" {
		cfg.Kind = fallback.Kind
	}
	if cfg.DSN == "" {
		cfg.DSN = fallback.DSN
	}
	// Opening ignores cancellation so a cancelled job still reports each
	// source as Cancelled or Skipped.
	b, err := r.Open(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return Report{Job: j.Name}, fmt.Errorf("open backend %s: %w", cfg.Kind, err)
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			log.Warn("backend close failed", "error", cerr)
		}
	}()

	rep := Report{Job: j.Name}

	opts := r.Options
	opts.Logger = log
	engine := ingest.NewEngine(b, opts)

	failed := false
	for i, s := range j.Sources {
		name := sourceName(i, s)
		out := engine.Run(ctx, requests[i])
		rep.Sources = append(rep.Sources, SourceReport{Name: name, Outcome: out})
		log.Info("job source finished", "source", name, "status", out.Status, "summary", out.Result.Summary())

		if out.Status != ingest.StatusSucceeded {
			failed = true
		}
		if ctx.Err() != nil || ingest.KindOf(out.Err) == ingest.ConnectionLost {
			for k := i + 1; k < len(j.Sources); k++ {
				rep.Skipped = append(rep.Skipped, sourceName(k, j.Sources[k]))
			}
			break
		}
	}
	if failed {
		rep.Elapsed = time.Since(start)
		return rep, fmt.Errorf("job %q: %w", j.Name, ErrSourcesFailed)
	}

	if t := j.Transform; t != nil {
		tr, err := r.transform(ctx, b, t)
		if err != nil {
			rep.Elapsed = time.Since(start)
			return rep, fmt.Errorf("job %q transform: %w", j.Name, err)
		}
		rep.Transform = tr
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// transform materialises t.SQL as a new table. Replace drops an existing
// output first; otherwise an existing output is a conflict.
func (r *Runner) transform(ctx context.Context, b storage.Backend, t *config.JobTransform) (*TransformReport, error) {
	start := time.Now()
	table := naming.New(r.Options.Case, b.Dialect().Reserved...).Table(t.Output)

	exists, err := b.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	switch {
	case exists && t.Replace:
		if err := b.DropTable(ctx, table); err != nil {
			return nil, err
		}
	case exists:
		metrics.ObserveStep("transform", "error", start)
		return nil, fmt.Errorf("output table %s already exists (set replace to rebuild it)", table)
	}

	query := strings.TrimRight(strings.TrimSpace(t.SQL), ";")
	if _, _, err := storage.ExecIdent(ctx, b, func(q storage.QuoteStyle) string {
		return "CREATE TABLE " + q.Quote(table) + " AS " + query
	}); err != nil {
		metrics.ObserveStep("transform", "error", start)
		return nil, err
	}
	n, err := storage.CountRows(ctx, b, table)
	if err != nil {
		return nil, err
	}
	metrics.ObserveStep("transform", "ok", start)
	r.logger().Info("transform finished", "table", table, "rows", n, "duration", time.Since(start))
	return &TransformReport{Table: table, Rows: n}, nil
}

// RequestFor converts a job source into an ingestion request.
func RequestFor(s config.JobSource) (ingest.Request, error) {
	mode, err := ingest.ParseMode(s.Mode)
	if err != nil {
		return ingest.Request{}, err
	}
	nm, err := ingest.ParseNaming(s.Naming)
	if err != nil {
		return ingest.Request{}, err
	}
	delim, err := config.ParseDelimiter(s.Format.Delimiter)
	if err != nil {
		return ingest.Request{}, err
	}
	pm, err := source.ParsePartitionMode(s.Format.PartitionMode)
	if err != nil {
		return ingest.Request{}, err
	}

	format := source.DefaultOptions()
	format.Delimiter = delim
	format.Encoding = s.Format.Encoding
	format.PartitionMode = pm
	format.PartitionName = s.Format.PartitionName
	format.LazyQuotes = s.Format.LazyQuotes
	if s.Format.HasHeader != nil {
		format.HasHeader = *s.Format.HasHeader
	}

	req := ingest.Request{Table: s.Table, Mode: mode, Naming: nm, Prefix: s.Prefix, Format: format}
	if s.Folder != "" {
		req.Source.Folder = &ingest.Folder{Dir: s.Folder, Pattern: s.Pattern, Recursive: s.Recursive}
	} else {
		req.Source.File = s.File
	}
	return req, nil
}

func sourceName(i int, s config.JobSource) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.File != "":
		return filepath.Base(s.File)
	case s.Folder != "":
		return filepath.Base(s.Folder)
	}
	return fmt.Sprintf("source-%d", i)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.Discard()
}
