package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"bulkload/internal/logging"
	"bulkload/internal/metrics"
	"bulkload/internal/naming"
	"bulkload/internal/record"
	"bulkload/internal/schema"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

// State is a step of the per-(file, partition) load cycle.
type State string

const (
	Idle     State = "idle"
	Reading  State = "reading"
	Aligning State = "aligning"
	Writing  State = "writing"
	Done     State = "done"
	Failed   State = "failed"
)

const (
	mib = 1 << 20

	// Files up to wholeFileLimit are read as a single chunk.
	wholeFileLimit = 16 * mib
)

// ChunkRows picks the rows per chunk for a file of size bytes. A positive
// override wins. 0 means the whole file in one chunk.
func ChunkRows(size int64, override int) int {
	switch {
	case override > 0:
		return override
	case size <= wholeFileLimit:
		return 0
	case size <= 128*mib:
		return 100_000
	case size <= 512*mib:
		return 50_000
	default:
		return 25_000
	}
}

// Target is the table one or more files load into.
type Target struct {
	Table string
	Mode  Mode

	// Schema is the discovered shape used when the table is created. It may
	// be empty; chunk columns are always added on top.
	Schema schema.Schema

	// Merge fills the source-file column.
	Merge bool
}

// tableState tracks one target across the files of a run.
type tableState struct {
	prepared bool
	exists   bool
	created  bool
	conflict error
	live     schema.Schema
}

// Loader moves files into tables chunk by chunk. One Loader serves one run;
// it remembers which tables it dropped or created so mode semantics hold
// across files. It is not safe for concurrent use.
type Loader struct {
	Backend storage.Backend
	Fs      afero.Fs
	Naming  *naming.Sanitizer
	Format  source.Options

	// ChunkRows overrides the size-based chunking when > 0.
	ChunkRows int

	// Native enables the file-level native bulk load when the backend offers it.
	Native bool

	Chain   *Chain
	Evolver *schema.Evolver
	Logger  *slog.Logger

	// OnChunk is called after every committed chunk.
	OnChunk func(path string, rows int64)

	tables map[string]*tableState
}

func (l *Loader) logger(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, l.Logger)
}

func (l *Loader) fs() afero.Fs {
	if l.Fs == nil {
		return afero.NewOsFs()
	}
	return l.Fs
}

func (l *Loader) chain() *Chain {
	if l.Chain == nil {
		l.Chain = DefaultChain(l.Logger)
	}
	return l.Chain
}

func (l *Loader) evolver() *schema.Evolver {
	if l.Evolver == nil {
		l.Evolver = &schema.Evolver{Logger: l.Logger}
	}
	return l.Evolver
}

// LoadFile loads every selected partition of file into t.Table.
//
// Edge cases:
//   - Cancellation is observed before each read; a chunk that started
//     writing always finishes, so the table only holds whole chunks.
//   - A header-only file under Create/Replace still creates the table.
//   - Columns first seen mid-file are added before that chunk is written.
//
// Errors are reported in the result, never returned: SourceUnreadable for
// read failures, SchemaConflict for a refused table or column change,
// WriteFailed when the strategy chain is exhausted, ConnectionLost when the
// backend went away.
func (l *Loader) LoadFile(ctx context.Context, t Target, file source.SourceFile) (res IngestionResult) {
	start := time.Now()
	res = IngestionResult{Path: file.Path, Table: t.Table}
	log := l.logger(ctx).With("file", file.Path, "table", t.Table)

	defer func() {
		res.Elapsed = time.Since(start)
		status := "succeeded"
		switch {
		case res.Err != nil:
			status = "failed"
			log.Warn("file failed", "kind", res.Err.Kind, "rows", res.RowsLoaded, "err", res.Err.Err,
				"duration", res.Elapsed.Milliseconds())
		case res.Cancelled:
			status = "cancelled"
			log.Info("file cancelled", "rows", res.RowsLoaded, "duration", res.Elapsed.Milliseconds())
		default:
			log.Info("file loaded", "strategy", res.Strategy, "rows", res.RowsLoaded, "skipped", res.RowsSkipped,
				"chunks", res.Chunks, "duration", res.Elapsed.Milliseconds())
		}
		metrics.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"status": status})
		metrics.IncCounter(metrics.RowsTotal, float64(res.RowsLoaded), metrics.Labels{"kind": "loaded"})
		metrics.IncCounter(metrics.RowsTotal, float64(res.RowsSkipped), metrics.Labels{"kind": "skipped"})
		metrics.IncCounter(metrics.RowsTotal, float64(res.RowsMalformed), metrics.Labels{"kind": "malformed"})
		metrics.IncCounter(metrics.ColumnsAddedTotal, float64(len(res.ColumnsAdded)), nil)
		metrics.ObserveStep("file", status, start)
	}()

	if ctx.Err() != nil {
		res.Cancelled = true
		return res
	}

	st, err := l.prepare(ctx, t, file.Path)
	if err != nil {
		res.Err = wrap(WriteFailed, "prepare", file.Path, t.Table, err)
		return res
	}

	if l.Native {
		done, err := l.loadNative(ctx, t, file, st, &res, log)
		if err != nil {
			res.Err = wrap(WriteFailed, "native load", file.Path, t.Table, err)
			return res
		}
		if done {
			return res
		}
	}

	l.loadChunks(ctx, t, file, st, &res, log)
	return res
}

// prepare applies the run mode to the target the first time a run touches it.
func (l *Loader) prepare(ctx context.Context, t Target, path string) (*tableState, error) {
	if l.tables == nil {
		l.tables = map[string]*tableState{}
	}
	key := strings.ToUpper(t.Table)
	st := l.tables[key]
	if st == nil {
		st = &tableState{}
		l.tables[key] = st
	}
	if st.conflict != nil {
		return nil, conflictf(path, t.Table, "%v", st.conflict)
	}
	if st.prepared {
		return st, nil
	}

	exists, err := l.Backend.TableExists(ctx, t.Table)
	if err != nil {
		return nil, err
	}

	switch t.Mode {
	case Replace:
		if exists {
			if err := l.Backend.DropTable(context.WithoutCancel(ctx), t.Table); err != nil {
				return nil, err
			}
			l.logger(ctx).Info("table dropped for replace", "table", t.Table)
		}
		exists = false
	case Create:
		if exists {
			st.conflict = errors.New("table already exists; use replace or append mode")
			return nil, conflictf(path, t.Table, "%v", st.conflict)
		}
	}

	st.prepared = true
	st.exists = exists
	if exists {
		cols, err := l.Backend.DescribeTable(ctx, t.Table)
		if err != nil {
			return nil, err
		}
		st.live = schema.FromStorage(cols)
	}
	return st, nil
}

// synthetic lists the synthetic columns t carries, in table order.
func (l *Loader) synthetic(t Target) []string {
	var out []string
	if l.Format.PartitionMode == source.PartitionAll {
		out = append(out, schema.PartitionColumn(l.Naming))
	}
	if t.Merge {
		out = append(out, schema.SourceFileColumn(l.Naming))
	}
	return out
}

// shape is the sanitized form of one batch's labels.
type shape struct {
	data  []string      // sanitized labels, aligned to the batch
	full  schema.Schema // data plus synthetic columns, synthetic last
	synth []string
}

func (l *Loader) shapeOf(t Target, labels []string) shape {
	data := l.Naming.Unique(labels)
	synth := l.synthetic(t)
	return shape{
		data:  data,
		full:  schema.FromNames(data...).Without(synth...).With(synth...),
		synth: synth,
	}
}

// ensureTable makes sure the live table can take sh. It returns the column
// order to write in and whether the write must create the table.
func (l *Loader) ensureTable(ctx context.Context, t Target, st *tableState, sh shape, res *IngestionResult) ([]string, bool, error) {
	if !st.exists {
		cols := t.Schema.Without(sh.synth...).
			With(sh.full.Without(sh.synth...).Names()...).
			With(sh.synth...)
		return cols.Names(), true, nil
	}

	if len(sh.full.Missing(st.live)) > 0 {
		added, err := l.evolver().Reconcile(ctx, l.Backend, t.Table, sh.full)
		res.ColumnsAdded = append(res.ColumnsAdded, added...)
		if err != nil {
			return nil, false, err
		}
		cols, err := l.Backend.DescribeTable(ctx, t.Table)
		if err != nil {
			return nil, false, err
		}
		st.live = schema.FromStorage(cols)
	}
	return st.live.Names(), false, nil
}

func (l *Loader) committed(st *tableState, created bool, cols []string) {
	if created {
		st.exists = true
		st.created = true
		st.live = schema.FromNames(cols...)
	}
}

// loadChunks runs Idle -> Reading -> Aligning -> Writing until the file is
// done, failed or cancelled.
func (l *Loader) loadChunks(ctx context.Context, t Target, file source.SourceFile, st *tableState, res *IngestionResult, log *slog.Logger) {
	r, err := source.Open(l.fs(), file, l.Format)
	if err != nil {
		res.Err = wrap(SourceUnreadable, "open", file.Path, t.Table, err)
		return
	}
	parts, err := r.Partitions(ctx)
	if err != nil {
		res.Err = wrap(SourceUnreadable, "partitions", file.Path, t.Table, err)
		return
	}
	selected, err := source.SelectPartitions(parts, l.Format)
	if err != nil {
		res.Err = wrap(SourceUnreadable, "partitions", file.Path, t.Table, err)
		return
	}
	res.Partitions = selected
	chunkRows := ChunkRows(file.Size, l.ChunkRows)
	fileName := filepath.Base(file.Path)

	for _, part := range selected {
		if ctx.Err() != nil {
			res.Cancelled = true
			return
		}
		it, err := r.ReadChunks(ctx, part, chunkRows)
		if err != nil {
			res.Err = wrap(SourceUnreadable, "read", file.Path, t.Table, err)
			return
		}
		state := l.cycle(ctx, t, st, it, part, fileName, res, log)
		_ = it.Close()
		if state != Done {
			return
		}
	}
}

// cycle drains one partition and returns the terminal state.
func (l *Loader) cycle(ctx context.Context, t Target, st *tableState, it source.ChunkIter, part, fileName string, res *IngestionResult, log *slog.Logger) State {
	log = log.With("partition", part)
	state := Idle
	step := func(s State) {
		state = s
		log.Debug("load state", "stage", string(s), "chunk", res.Chunks)
	}

	for {
		// Idle: the only point where cancellation is honoured.
		if ctx.Err() != nil {
			res.Cancelled = true
			return Idle
		}

		step(Reading)
		readStart := time.Now()
		b, err := it.Next(ctx)
		if err == io.EOF {
			step(Done)
			return state
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				return Idle
			}
			step(Failed)
			res.Err = wrap(SourceUnreadable, "read", res.Path, t.Table, err)
			return state
		}
		metrics.ObserveStep("read", "ok", readStart)
		res.RowsMalformed += int64(b.Malformed)

		step(Aligning)
		sh := l.shapeOf(t, b.Columns)
		cols, create, err := l.ensureTable(ctx, t, st, sh, res)
		if err != nil {
			step(Failed)
			res.Err = wrap(SchemaConflict, "evolve", res.Path, t.Table, err)
			return state
		}
		if !create && len(b.Rows) == 0 {
			continue
		}
		plan := schema.Align(append(append([]string(nil), sh.data...), sh.synth...), cols)
		if t.Merge {
			plan.Set(schema.SourceFileColumn(l.Naming), record.Text(fileName))
		}
		if l.Format.PartitionMode == source.PartitionAll {
			plan.Set(schema.PartitionColumn(l.Naming), record.Text(b.Partition))
		}
		rows := b.Rows
		if !plan.Identity(len(sh.data)) {
			rows = plan.Apply(b.Rows)
		}

		step(Writing)
		w := &Write{
			Backend: l.Backend,
			Table:   t.Table,
			Columns: schema.FromNames(cols...).Storage(),
			Create:  create,
			Rows:    rows,
		}
		// A started write always completes; cancellation waits for the next Idle.
		out, strategy, err := l.chain().Run(context.WithoutCancel(ctx), w)
		res.RowsLoaded += out.Rows
		res.RowsSkipped += out.Skipped
		if err != nil {
			step(Failed)
			res.Err = wrap(WriteFailed, "write", res.Path, t.Table, err)
			return state
		}
		l.committed(st, create, cols)
		res.Chunks++
		res.Strategy = moreRobust(res.Strategy, strategy)
		metrics.IncCounter(metrics.ChunksTotal, 1, nil)
		if l.OnChunk != nil {
			l.OnChunk(res.Path, out.Rows)
		}
		step(Idle)
	}
}

var strategyRank = map[string]int{NativeBulkLoad: 1, BulkInsert: 2, RowByRow: 3}

// moreRobust returns whichever strategy sits further down the chain.
func moreRobust(a, b string) string {
	if strategyRank[b] > strategyRank[a] {
		return b
	}
	return a
}
