// Package source reads tabular files into batches of text rows.
//
// One Reader exists per format family:
//   - delimited text (csv, tsv, psv, txt, dat), optionally compressed
//   - spreadsheets (xlsx, xlsm) via excelize, one partition per sheet
//   - columnar files (parquet) via arrow-go
//   - semi-structured JSON (array, envelope, single object, JSON Lines)
//   - HTML documents, one partition per <table>
//
// Every reader exposes Partitions and ReadChunks; ReadAll is derived from
// ReadChunks. Cells are record.Value (NULL or text): no reader infers types.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	"bulkload/internal/record"
)

var (
	// ErrUnsupportedFormat is returned for extensions no reader handles, and
	// for compressed files whose format needs random access.
	ErrUnsupportedFormat = errors.New("source: unsupported format")

	// ErrPartitionNotFound is returned when a named partition does not exist.
	ErrPartitionNotFound = errors.New("source: partition not found")
)

// Format is the reader family a file belongs to.
type Format string

const (
	Delimited   Format = "delimited"
	Spreadsheet Format = "spreadsheet"
	Columnar    Format = "columnar"
	JSON        Format = "json"
	HTML        Format = "html"
)

// Compression is a whole-file compression wrapper.
type Compression string

const (
	NoCompression Compression = ""
	Gzip          Compression = "gzip"
	Bzip2         Compression = "bzip2"
	XZ            Compression = "xz"
	Zstd          Compression = "zstd"
)

// DefaultPartition is the single partition name of formats that have no
// named subdivisions.
const DefaultPartition = "default"

// SourceFile is a discovered input file. It is not mutated after Detect.
type SourceFile struct {
	Path        string
	Format      Format
	Compression Compression
	Size        int64

	// Ext is the format extension after any compression suffix, lowercased,
	// with the leading dot (".csv", ".jsonl").
	Ext string
}

// PartitionMode selects which partitions of a multi-partition source are read.
type PartitionMode string

const (
	// PartitionFirst reads only the first partition.
	PartitionFirst PartitionMode = "first"
	// PartitionAll reads every partition; the loader adds a partition-name column.
	PartitionAll PartitionMode = "all"
	// PartitionNamed reads Options.PartitionName only.
	PartitionNamed PartitionMode = "named"
)

// ParsePartitionMode accepts "first", "all", "named" (case-insensitive);
// empty means first.
func ParsePartitionMode(s string) (PartitionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return PartitionFirst, nil
	case "all":
		return PartitionAll, nil
	case "named":
		return PartitionNamed, nil
	}
	return "", fmt.Errorf("source: unknown partition mode %q (want first|all|named)", s)
}

// Options are the per-format read options.
//
// Edge cases:
//   - Delimiter 0 means auto-detect (see SniffDelimiter). Files with a .tsv
//     or .psv extension default to tab and pipe instead.
//   - Encoding "" means utf-8. A byte-order mark always wins over Encoding
//     for utf-8 and utf-16 input.
//   - HasHeader has no "unset" state; use DefaultOptions for the usual
//     header-row default.
type Options struct {
	Delimiter     rune
	Encoding      string
	HasHeader     bool
	PartitionMode PartitionMode
	PartitionName string
	LazyQuotes    bool

	// ArraySeparator joins scalar JSON arrays. Empty means ",".
	ArraySeparator string
}

// DefaultOptions returns auto delimiter, utf-8, header row, first partition.
func DefaultOptions() Options {
	return Options{HasHeader: true, PartitionMode: PartitionFirst}
}

// Batch is one chunk of rows from one partition. Columns are the raw labels
// as found in the file; they are not sanitized here. Rows are aligned to
// Columns.
type Batch struct {
	Partition string
	Columns   []string
	Rows      []record.Row

	// Malformed counts source records that could not be parsed and were
	// skipped while building this batch.
	Malformed int
}

// ChunkIter yields batches until it returns the bare io.EOF sentinel. A
// wrapped EOF is a read failure, not the end. It is finite and not
// restartable; reading again means calling ReadChunks again.
type ChunkIter interface {
	Next(ctx context.Context) (Batch, error)
	Close() error
}

// Reader is one format family bound to one file.
type Reader interface {
	// Partitions lists named partitions in file order. Single-partition
	// formats return [DefaultPartition].
	Partitions(ctx context.Context) ([]string, error)

	// ReadChunks streams the partition in batches of at most chunkRows rows.
	// chunkRows <= 0 means a single batch with every row.
	ReadChunks(ctx context.Context, partition string, chunkRows int) (ChunkIter, error)
}

// Open returns the Reader for file.
//
// Errors:
//   - ErrUnsupportedFormat for unknown formats and for compressed
//     spreadsheets or parquet files.
func Open(fs afero.Fs, file SourceFile, opts Options) (Reader, error) {
	if file.Compression != NoCompression && (file.Format == Spreadsheet || file.Format == Columnar) {
		return nil, fmt.Errorf("%w: %s files cannot be read compressed (%s)", ErrUnsupportedFormat, file.Format, file.Path)
	}
	switch file.Format {
	case Delimited:
		return &delimitedReader{fs: fs, file: file, opts: opts}, nil
	case Spreadsheet:
		return &spreadsheetReader{fs: fs, file: file, opts: opts}, nil
	case Columnar:
		return &columnarReader{fs: fs, file: file}, nil
	case JSON:
		return &jsonReader{fs: fs, file: file, opts: opts}, nil
	case HTML:
		return &htmlReader{fs: fs, file: file, opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, file.Format)
}

// ReadAll reads a whole partition as one batch. Rows from batches with
// differing column labels are re-aligned onto the union of labels.
func ReadAll(ctx context.Context, r Reader, partition string) (Batch, error) {
	it, err := r.ReadChunks(ctx, partition, 0)
	if err != nil {
		return Batch{}, err
	}
	defer it.Close()

	out := Batch{Partition: partition}
	index := map[string]int{}
	for {
		b, err := it.Next(ctx)
		if err == io.EOF {
			for i, row := range out.Rows {
				out.Rows[i] = row.Pad(len(out.Columns))
			}
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out.Malformed += b.Malformed

		pos := make([]int, len(b.Columns))
		for i, c := range b.Columns {
			j, ok := index[c]
			if !ok {
				j = len(out.Columns)
				index[c] = j
				out.Columns = append(out.Columns, c)
			}
			pos[i] = j
		}
		for _, row := range b.Rows {
			aligned := make(record.Row, len(out.Columns))
			for i, v := range row {
				if i < len(pos) {
					aligned[pos[i]] = v
				}
			}
			out.Rows = append(out.Rows, aligned)
		}
	}
}

// Header returns the raw labels of the first selected partition plus at
// most one sample row. Parquet labels come from the file footer and carry no
// sample. A file with no header and no rows yields an empty batch.
func Header(ctx context.Context, fs afero.Fs, file SourceFile, opts Options) (Batch, error) {
	r, err := Open(fs, file, opts)
	if err != nil {
		return Batch{}, err
	}
	if cr, ok := r.(*columnarReader); ok {
		cols, err := cr.labels()
		return Batch{Partition: DefaultPartition, Columns: cols}, err
	}

	parts, err := r.Partitions(ctx)
	if err != nil {
		return Batch{}, err
	}
	selected, err := SelectPartitions(parts, opts)
	if err != nil {
		return Batch{}, err
	}
	it, err := r.ReadChunks(ctx, selected[0], 1)
	if err != nil {
		return Batch{}, err
	}
	defer it.Close()

	b, err := it.Next(ctx)
	if err == io.EOF {
		return Batch{Partition: selected[0]}, nil
	}
	return b, err
}

// SelectPartitions applies the partition mode to the partitions a reader
// reported.
func SelectPartitions(available []string, opts Options) ([]string, error) {
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: source has no partitions", ErrPartitionNotFound)
	}
	switch opts.PartitionMode {
	case PartitionAll:
		return available, nil
	case PartitionNamed:
		for _, p := range available {
			if strings.EqualFold(p, opts.PartitionName) {
				return []string{p}, nil
			}
		}
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrPartitionNotFound, opts.PartitionName, strings.Join(available, ", "))
	default:
		return available[:1], nil
	}
}

func checkPartition(available []string, partition string) error {
	if partition == "" {
		return nil
	}
	for _, p := range available {
		if p == partition {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
}
