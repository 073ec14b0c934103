package ingest

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"bulkload/internal/metrics"
	"bulkload/internal/schema"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

// nativeFormat reports whether the backend can scan file by path with the
// same result the readers would produce.
func (l *Loader) nativeFormat(file source.SourceFile) (storage.NativeFormat, bool) {
	d := l.Backend.Dialect()
	if d.Native == nil || file.Compression != source.NoCompression || !source.IsUTF8(l.Format.Encoding) {
		return "", false
	}
	// The backend opens the path itself, so it must be a real file.
	if _, ok := l.fs().(*afero.OsFs); !ok {
		return "", false
	}

	var nf storage.NativeFormat
	switch {
	case file.Format == source.Delimited && l.Format.HasHeader && !l.Format.LazyQuotes:
		nf = storage.NativeCSV
	case file.Format == source.Columnar:
		nf = storage.NativeParquet
	case file.Format == source.JSON && (file.Ext == ".jsonl" || file.Ext == ".ndjson"):
		nf = storage.NativeJSON
	default:
		return "", false
	}
	return nf, d.SupportsNative(nf)
}

// flatSample reports whether a JSON sample has no nested values, the only
// shape a native JSON scan reproduces.
func flatSample(b source.Batch) bool {
	for _, c := range b.Columns {
		if strings.Contains(c, ".") {
			return false
		}
	}
	for _, row := range b.Rows {
		for _, v := range row {
			if strings.HasPrefix(v.Text, "[") || strings.HasPrefix(v.Text, "{") {
				return false
			}
		}
	}
	return true
}

// scannableLabels reports whether every raw label can be selected by name
// from the backend's own file scan. Scans rename duplicate labels and
// blank ones, and may trim padding, so any of those would project the
// wrong column or NULL.
func scannableLabels(labels []string) bool {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" || strings.TrimSpace(l) != l {
			return false
		}
		k := strings.ToLower(l)
		if seen[k] {
			return false
		}
		seen[k] = true
	}
	return true
}

// loadNative tries the backend's file scan for the whole file. done=false
// with a nil error means the chunked path should run instead.
//
// The native statement is a single INSERT ... SELECT or CREATE TABLE ... AS,
// which commits all rows or none, so falling back re-reads the whole file
// without risk of duplicates.
func (l *Loader) loadNative(ctx context.Context, t Target, file source.SourceFile, st *tableState, res *IngestionResult, log *slog.Logger) (bool, error) {
	nf, ok := l.nativeFormat(file)
	if !ok {
		return false, nil
	}

	head, err := source.Header(ctx, l.fs(), file, l.Format)
	if err != nil || len(head.Columns) == 0 {
		// Let the chunked path report unreadable files.
		return false, nil
	}
	if nf == storage.NativeJSON && !flatSample(head) {
		return false, nil
	}
	if !scannableLabels(head.Columns) {
		log.Debug("header not addressable by a native scan, using chunked load", "columns", head.Columns)
		return false, nil
	}

	delim := rune(0)
	if nf == storage.NativeCSV {
		if delim, err = source.ResolveDelimiter(l.fs(), file, l.Format); err != nil {
			return false, nil
		}
	}

	sh := l.shapeOf(t, head.Columns)
	cols, create, err := l.ensureTable(ctx, t, st, sh, res)
	if err != nil {
		return false, err
	}

	partition := source.DefaultPartition
	if head.Partition != "" {
		partition = head.Partition
	}
	req := storage.NativeLoad{
		Table:     t.Table,
		Create:    create,
		Path:      file.Path,
		Format:    nf,
		Delimiter: delim,
		HasHeader: l.Format.HasHeader,
		Columns:   l.projections(t, sh, head.Columns, cols, filepath.Base(file.Path), partition),
	}

	start := time.Now()
	wctx := context.WithoutCancel(ctx)
	var before int64
	if !create {
		if before, err = storage.CountRows(wctx, l.Backend, t.Table); err != nil {
			return false, err
		}
	}

	native := l.Backend.Dialect().Native
	_, _, err = storage.ExecIdent(wctx, l.Backend, func(q storage.QuoteStyle) string {
		stmt, err := native.NativeLoadSQL(req, q)
		if err != nil {
			return ""
		}
		return stmt
	})
	if err != nil {
		metrics.IncCounter(metrics.StrategyTotal, 1, metrics.Labels{"strategy": NativeBulkLoad, "status": "error"})
		if storage.IsConnectionLost(err) {
			return false, err
		}
		log.Warn("native bulk load failed, falling back to chunked load", "strategy", NativeBulkLoad, "err", err)
		return false, nil
	}

	after, err := storage.CountRows(wctx, l.Backend, t.Table)
	if err != nil {
		return false, err
	}
	l.committed(st, create, cols)
	res.Partitions = []string{partition}
	res.RowsLoaded += after - before
	res.Chunks++
	res.Strategy = NativeBulkLoad
	metrics.IncCounter(metrics.StrategyTotal, 1, metrics.Labels{"strategy": NativeBulkLoad, "status": "ok"})
	metrics.IncCounter(metrics.ChunksTotal, 1, nil)
	metrics.ObserveStep("write", "ok", start)
	if l.OnChunk != nil {
		l.OnChunk(res.Path, after-before)
	}
	return true, nil
}

// projections maps every live column to a raw file label, a literal for the
// synthetic columns, or NULL.
func (l *Loader) projections(t Target, sh shape, raw, live []string, fileName, partition string) []storage.Projection {
	out := make([]storage.Projection, len(live))
	srcCol := schema.SourceFileColumn(l.Naming)
	partCol := schema.PartitionColumn(l.Naming)
	for i, col := range live {
		p := storage.Projection{Target: col}
		switch {
		case t.Merge && strings.EqualFold(col, srcCol):
			p.Literal = &fileName
		case l.Format.PartitionMode == source.PartitionAll && strings.EqualFold(col, partCol):
			p.Literal = &partition
		default:
			for j, c := range sh.data {
				if strings.EqualFold(c, col) {
					p.Source = raw[j]
					break
				}
			}
		}
		out[i] = p
	}
	return out
}
