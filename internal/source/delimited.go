package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"bulkload/internal/record"
)

type delimitedReader struct {
	fs   afero.Fs
	file SourceFile
	opts Options
}

func (r *delimitedReader) Partitions(context.Context) ([]string, error) {
	return []string{DefaultPartition}, nil
}

// ResolveDelimiter returns the delimiter a delimited read of file would use:
// the configured one, the extension default, or the sniffed one.
func ResolveDelimiter(fs afero.Fs, file SourceFile, opts Options) (rune, error) {
	if d := configuredDelimiter(file, opts); d != 0 {
		return d, nil
	}
	raw, closer, err := openStream(fs, file)
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	text, err := decodeText(raw, opts.Encoding)
	if err != nil {
		return 0, err
	}
	br := bufio.NewReaderSize(text, SniffSize*2)
	sample, _ := br.Peek(SniffSize)
	return SniffDelimiter(sample), nil
}

func configuredDelimiter(file SourceFile, opts Options) rune {
	if opts.Delimiter != 0 {
		return opts.Delimiter
	}
	return defaultDelimiter(file.Ext)
}

// ReadChunks streams the file through encoding/csv.
//
// Edge cases:
//   - Without a header row, columns are named column_1..column_N after the
//     width of the first record.
//   - Short records are padded with NULL; cells beyond the header are dropped.
//   - Empty cells are NULL. Header labels are trimmed.
//   - Records that fail to parse are skipped and counted in Batch.Malformed.
func (r *delimitedReader) ReadChunks(ctx context.Context, partition string, chunkRows int) (ChunkIter, error) {
	if err := checkPartition([]string{DefaultPartition}, partition); err != nil {
		return nil, err
	}

	raw, closer, err := openStream(r.fs, r.file)
	if err != nil {
		return nil, err
	}
	text, err := decodeText(raw, r.opts.Encoding)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	br := bufio.NewReaderSize(text, SniffSize*2)
	delim := configuredDelimiter(r.file, r.opts)
	if delim == 0 {
		sample, _ := br.Peek(SniffSize)
		delim = SniffDelimiter(sample)
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = r.opts.LazyQuotes
	cr.ReuseRecord = true

	it := &delimitedIter{cr: cr, closer: closer, chunk: chunkRows}
	if err := it.readHeader(r.opts.HasHeader); err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("read header %s: %w", r.file.Path, err)
	}
	return it, nil
}

type delimitedIter struct {
	cr      *csv.Reader
	closer  io.Closer
	chunk   int
	columns []string
	pending record.Row
	done    bool
	emitted bool
}

func (it *delimitedIter) readHeader(hasHeader bool) error {
	for {
		rec, err := it.cr.Read()
		if err == io.EOF {
			it.done = true
			return nil
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			continue
		}
		if err != nil {
			return err
		}

		if hasHeader {
			it.columns = make([]string, len(rec))
			for i, h := range rec {
				it.columns[i] = strings.TrimSpace(h)
			}
			return nil
		}

		it.columns = make([]string, len(rec))
		for i := range rec {
			it.columns[i] = "column_" + strconv.Itoa(i+1)
		}
		it.pending = toRow(rec, len(it.columns))
		return nil
	}
}

func (it *delimitedIter) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if it.done && it.pending == nil && (it.emitted || it.columns == nil) {
		return Batch{}, io.EOF
	}

	b := Batch{Partition: DefaultPartition, Columns: it.columns}
	if it.pending != nil {
		b.Rows = append(b.Rows, it.pending)
		it.pending = nil
	}

	for !it.done && (it.chunk <= 0 || len(b.Rows) < it.chunk) {
		rec, err := it.cr.Read()
		if err == io.EOF {
			it.done = true
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			b.Malformed++
			continue
		}
		if err != nil {
			return Batch{}, err
		}
		b.Rows = append(b.Rows, toRow(rec, len(it.columns)))
	}

	// A header-only file still yields one empty batch so callers learn its
	// columns.
	if len(b.Rows) == 0 && b.Malformed == 0 && it.emitted {
		return Batch{}, io.EOF
	}
	it.emitted = true
	return b, nil
}

func (it *delimitedIter) Close() error { return it.closer.Close() }

func toRow(rec []string, width int) record.Row {
	row := make(record.Row, width)
	for i := 0; i < width && i < len(rec); i++ {
		row[i] = record.TextOrNull(rec[i])
	}
	return row
}
