package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"bulkload/internal/logging"
	"bulkload/internal/naming"
	"bulkload/internal/schema"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

// Folder is a directory plus a file-name pattern.
type Folder struct {
	Dir string

	// Pattern holds one or more globs separated by ',' or ';', matched
	// case-insensitively against base names. Empty means every supported file.
	Pattern string

	Recursive bool
}

// SplitPatterns splits a pattern list on ',' and ';' and adds the
// spreadsheet pairing: *.xlsx also matches *.xls and the other way round.
func SplitPatterns(pattern string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range strings.FieldsFunc(pattern, func(r rune) bool { return r == ',' || r == ';' }) {
		p = strings.ToLower(strings.TrimSpace(p))
		add(p)
		switch {
		case strings.HasSuffix(p, ".xlsx"):
			add(strings.TrimSuffix(p, "x"))
		case strings.HasSuffix(p, ".xls"):
			add(p + "x")
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

// Enumerate lists the files under f that match its pattern and have a
// supported extension, sorted by path.
//
// Errors:
//   - A bad glob (filepath.ErrBadPattern) or an unreadable directory.
//   - ErrNoFiles when nothing matches.
func Enumerate(fsys afero.Fs, f Folder) ([]string, error) {
	patterns := SplitPatterns(f.Pattern)
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
	}
	match := func(name string) bool {
		lower := strings.ToLower(name)
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, lower); ok {
				return source.IsSupported(name)
			}
		}
		return false
	}

	var out []string
	if f.Recursive {
		err := afero.Walk(fsys, f.Dir, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && match(info.Name()) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := afero.ReadDir(fsys, f.Dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && match(e.Name()) {
				out = append(out, filepath.Join(f.Dir, e.Name()))
			}
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoFiles, f.Pattern, f.Dir)
	}
	sort.Strings(out)
	return out, nil
}

// RunSpec says where a run's files go.
type RunSpec struct {
	// Table is the merge target, or the single file's table for RunFile.
	// Empty derives it from the folder or file name.
	Table  string
	Mode   Mode
	Naming Naming

	// Prefix is prepended to per-file table names before sanitizing.
	Prefix string
}

// Orchestrator drives a set of files through discovery and the loader.
type Orchestrator struct {
	Backend    storage.Backend
	Fs         afero.Fs
	Naming     *naming.Sanitizer
	Format     source.Options
	ChunkRows  int
	SampleRows int
	Native     bool
	Chain      *Chain
	Logger     *slog.Logger

	// Progress receives percent (0..100) and a status line. It must not block.
	Progress func(percent float64, msg string)
}

func (o *Orchestrator) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}

func (o *Orchestrator) notify(percent float64, format string, args ...any) {
	if o.Progress != nil {
		o.Progress(percent, fmt.Sprintf(format, args...))
	}
}

// Run enumerates f and loads the matches according to spec.
func (o *Orchestrator) Run(ctx context.Context, f Folder, spec RunSpec) RunResult {
	paths, err := Enumerate(o.fs(), f)
	if err != nil {
		return RunResult{RunID: logging.RunID(ctx), Errors: []error{&Error{Kind: SourceUnreadable, Op: "enumerate", Path: f.Dir, Err: err}}}
	}
	if spec.Table == "" {
		spec.Table = filepath.Base(filepath.Clean(f.Dir))
	}
	return o.RunFiles(ctx, paths, spec)
}

// RunFile loads one file into spec.Table (or a table named after the file)
// without a source-file column. Create mode refuses an existing table.
func (o *Orchestrator) RunFile(ctx context.Context, path string, spec RunSpec) RunResult {
	if spec.Table == "" {
		spec.Table = spec.Prefix + source.BaseName(path)
	}
	spec.Naming = MergeToOneTable
	return o.run(ctx, []string{path}, spec, false)
}

type entry struct {
	path string
	file source.SourceFile
	err  error
}

// RunFiles loads paths in order. One file's failure never stops the run;
// connection loss and cancellation do, and the files not attempted are
// listed in RunResult.Remaining.
func (o *Orchestrator) RunFiles(ctx context.Context, paths []string, spec RunSpec) RunResult {
	return o.run(ctx, paths, spec, true)
}

func (o *Orchestrator) run(ctx context.Context, paths []string, spec RunSpec, sourceColumn bool) (res RunResult) {
	start := time.Now()
	log := logging.FromContext(ctx, o.Logger)
	res = RunResult{RunID: logging.RunID(ctx), FilesTotal: len(paths)}
	defer func() { res.Elapsed = time.Since(start) }()

	if o.Naming == nil {
		o.Naming = naming.New(naming.Upper, o.Backend.Dialect().Reserved...)
	}

	entries := make([]entry, len(paths))
	for i, p := range paths {
		f, err := source.Detect(o.fs(), p)
		entries[i] = entry{path: p, file: f, err: err}
	}

	loader := &Loader{
		Backend:   o.Backend,
		Fs:        o.fs(),
		Naming:    o.Naming,
		Format:    o.Format,
		ChunkRows: o.ChunkRows,
		Native:    o.Native,
		Chain:     o.Chain,
		Evolver:   &schema.Evolver{Logger: o.Logger},
		Logger:    o.Logger,
	}
	disc := &schema.Discoverer{Fs: o.fs(), Naming: o.Naming, Logger: o.Logger}

	done := 0
	percent := func() float64 {
		if len(entries) == 0 {
			return 100
		}
		return 100 * float64(done) / float64(len(entries))
	}
	loader.OnChunk = func(path string, rows int64) {
		o.notify(percent(), "%s: %d rows written", filepath.Base(path), rows)
	}

	var targets func(i int) (Target, *Error)
	switch spec.Naming {
	case OneTablePerFile:
		targets = o.perFileTargets(ctx, entries, spec, disc)
	default:
		t, bad, err := o.mergeTarget(ctx, entries, spec, disc, sourceColumn)
		if err != nil {
			res.Cancelled = true
			res.Remaining = append([]string(nil), paths...)
			return res
		}
		targets = func(i int) (Target, *Error) {
			if e, ok := bad[entries[i].path]; ok {
				return t, e
			}
			return t, nil
		}
	}

	log.Info("run started", "files", len(entries), "mode", spec.Mode, "naming", spec.Naming)
	for i, e := range entries {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Remaining = remaining(entries[i:])
			break
		}
		o.notify(percent(), "loading %s (%d/%d)", filepath.Base(e.path), i+1, len(entries))

		var fr IngestionResult
		t, terr := targets(i)
		switch {
		case e.err != nil:
			fr = IngestionResult{Path: e.path, Table: t.Table, Err: wrap(SourceUnreadable, "detect", e.path, t.Table, e.err)}
		case terr != nil:
			fr = IngestionResult{Path: e.path, Table: t.Table, Err: terr}
		default:
			fr = loader.LoadFile(ctx, t, e.file)
		}
		res.add(fr)
		done++

		if fr.Err != nil && fr.Err.Kind == ConnectionLost {
			log.Error("connection lost, stopping run", "file", e.path, "err", fr.Err.Err)
			res.Remaining = remaining(entries[i+1:])
			break
		}
		if fr.Cancelled {
			res.Cancelled = true
			res.Remaining = remaining(entries[i+1:])
			break
		}
	}

	o.notify(100, "%d/%d files loaded, %d rows", res.FilesSucceeded, len(entries), res.RowsTotal)
	log.Info("run finished", "files_ok", res.FilesSucceeded, "files_failed", res.FilesFailed,
		"rows", res.RowsTotal, "skipped", res.RowsSkipped, "duration", time.Since(start).Milliseconds())
	return res
}

// mergeTarget discovers the unified schema across every readable file.
// Files discovery could not read come back in bad.
func (o *Orchestrator) mergeTarget(ctx context.Context, entries []entry, spec RunSpec, disc *schema.Discoverer, sourceColumn bool) (Target, map[string]*Error, error) {
	table := o.Naming.Table(spec.Table)
	var files []source.SourceFile
	for _, e := range entries {
		if e.err == nil {
			files = append(files, e.file)
		}
	}

	unified, ferrs, err := disc.Discover(ctx, files, schema.Options{SampleRows: o.SampleRows, Merge: sourceColumn, Format: o.Format})
	if err != nil {
		return Target{}, nil, err
	}
	bad := make(map[string]*Error, len(ferrs))
	for _, fe := range ferrs {
		bad[fe.Path] = wrap(SourceUnreadable, "discover", fe.Path, table, fe.Err)
	}
	logging.FromContext(ctx, o.Logger).Info("schema discovered", "table", table, "stage", "discover",
		"columns", unified.Len(), "unreadable", len(ferrs))
	return Target{Table: table, Mode: spec.Mode, Schema: unified, Merge: sourceColumn}, bad, nil
}

// perFileTargets names one table per file: prefix plus base name, sanitized,
// unique within the run and, in Create mode, unused in the backend.
func (o *Orchestrator) perFileTargets(ctx context.Context, entries []entry, spec RunSpec, disc *schema.Discoverer) func(int) (Target, *Error) {
	dedup := naming.NewDeduper(o.Naming)
	return func(i int) (Target, *Error) {
		e := entries[i]
		base := o.Naming.Table(spec.Prefix + source.BaseName(e.path))
		name := dedup.Claim(base)
		for spec.Mode == Create {
			exists, err := o.Backend.TableExists(ctx, name)
			if err != nil {
				return Target{Table: name}, wrap(WriteFailed, "prepare", e.path, name, err)
			}
			if !exists {
				break
			}
			name = dedup.Claim(base)
		}
		t := Target{Table: name, Mode: spec.Mode}
		if e.err != nil {
			return t, nil
		}
		s, err := disc.ForFile(ctx, e.file, schema.Options{SampleRows: o.SampleRows, Format: o.Format})
		if err != nil {
			if ctx.Err() != nil {
				// LoadFile reports the file as cancelled.
				return t, nil
			}
			return t, wrap(SourceUnreadable, "discover", e.path, name, err)
		}
		t.Schema = s
		return t, nil
	}
}

func remaining(es []entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.path
	}
	return out
}
