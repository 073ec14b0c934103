package source

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/spf13/afero"

	"bulkload/internal/record"
)

// columnarReader reads parquet files through arrow. The whole file is
// decoded into an arrow table first and then sliced into record batches;
// this bounds memory by file size, not chunk size.
type columnarReader struct {
	fs   afero.Fs
	file SourceFile
}

func (r *columnarReader) Partitions(context.Context) ([]string, error) {
	return []string{DefaultPartition}, nil
}

func (r *columnarReader) ReadChunks(ctx context.Context, partition string, chunkRows int) (ChunkIter, error) {
	if err := checkPartition([]string{DefaultPartition}, partition); err != nil {
		return nil, err
	}

	f, err := r.fs.Open(r.file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := file.NewParquetReader(f, file.WithReadProps(&parquet.ReaderProperties{}))
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", r.file.Path, err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("arrow reader %s: %w", r.file.Path, err)
	}
	table, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", r.file.Path, err)
	}

	cols := make([]string, table.Schema().NumFields())
	for i, fld := range table.Schema().Fields() {
		cols[i] = fld.Name
	}

	size := int64(chunkRows)
	if size <= 0 {
		size = table.NumRows()
		if size < 1 {
			size = 1
		}
	}
	return &arrowIter{table: table, tr: array.NewTableReader(table, size), columns: cols}, nil
}

// labels reads the column names from the parquet footer only.
func (r *columnarReader) labels() ([]string, error) {
	f, err := r.fs.Open(r.file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := file.NewParquetReader(f, file.WithReadProps(&parquet.ReaderProperties{}))
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", r.file.Path, err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("arrow reader %s: %w", r.file.Path, err)
	}
	sc, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("parquet schema %s: %w", r.file.Path, err)
	}
	cols := make([]string, sc.NumFields())
	for i, fld := range sc.Fields() {
		cols[i] = fld.Name
	}
	return cols, nil
}

type arrowIter struct {
	table   arrow.Table
	tr      *array.TableReader
	columns []string
	emitted bool
}

func (it *arrowIter) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if it.tr == nil || !it.tr.Next() {
		if it.tr != nil {
			if err := it.tr.Err(); err != nil {
				return Batch{}, err
			}
		}
		if !it.emitted {
			it.emitted = true
			return Batch{Partition: DefaultPartition, Columns: it.columns}, nil
		}
		return Batch{}, io.EOF
	}
	it.emitted = true

	rec := it.tr.Record()
	n := int(rec.NumRows())
	rows := make([]record.Row, n)
	for i := range rows {
		rows[i] = make(record.Row, len(it.columns))
	}
	for j, col := range rec.Columns() {
		if j >= len(it.columns) {
			break
		}
		for i := 0; i < n; i++ {
			rows[i][j] = arrowCell(col, i)
		}
	}
	return Batch{Partition: DefaultPartition, Columns: it.columns, Rows: rows}, nil
}

func (it *arrowIter) Close() error {
	if it.tr != nil {
		it.tr.Release()
		it.tr = nil
	}
	if it.table != nil {
		it.table.Release()
		it.table = nil
	}
	return nil
}

// arrowCell renders one arrow value as text; arrow's own ValueStr formatting
// is used for every type.
func arrowCell(col arrow.Array, i int) record.Value {
	if col.IsNull(i) {
		return record.Null
	}
	return record.Text(col.ValueStr(i))
}
