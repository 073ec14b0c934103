package source

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"

	"bulkload/internal/record"
)

// spreadsheetReader reads workbooks with excelize. Each sheet is a partition.
//
// excelize decodes the workbook container in memory but iterates sheet rows
// from the XML stream, so chunks are cut while reading. Legacy binary .xls
// workbooks are matched by extension but excelize cannot open them; they
// fail as unreadable.
type spreadsheetReader struct {
	fs   afero.Fs
	file SourceFile
	opts Options
}

func (r *spreadsheetReader) open() (*excelize.File, error) {
	f, err := r.fs.Open(r.file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	xf, err := excelize.OpenReader(f)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", r.file.Path, err)
	}
	return xf, nil
}

func (r *spreadsheetReader) Partitions(context.Context) ([]string, error) {
	xf, err := r.open()
	if err != nil {
		return nil, err
	}
	defer xf.Close()

	sheets := xf.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook %s has no sheets", ErrPartitionNotFound, r.file.Path)
	}
	return sheets, nil
}

func (r *spreadsheetReader) ReadChunks(ctx context.Context, partition string, chunkRows int) (ChunkIter, error) {
	xf, err := r.open()
	if err != nil {
		return nil, err
	}
	sheets := xf.GetSheetList()
	if partition == "" && len(sheets) > 0 {
		partition = sheets[0]
	}
	if err := checkPartition(sheets, partition); err != nil || partition == "" {
		_ = xf.Close()
		if err == nil {
			err = fmt.Errorf("%w: workbook %s has no sheets", ErrPartitionNotFound, r.file.Path)
		}
		return nil, err
	}

	rows, err := xf.Rows(partition)
	if err != nil {
		_ = xf.Close()
		return nil, fmt.Errorf("rows of sheet %q: %w", partition, err)
	}

	it := &sheetIter{xf: xf, rows: rows, sheet: partition, chunk: chunkRows}
	if err := it.readHeader(r.opts.HasHeader); err != nil {
		_ = it.Close()
		return nil, err
	}
	return it, nil
}

type sheetIter struct {
	xf      *excelize.File
	rows    *excelize.Rows
	sheet   string
	chunk   int
	columns []string
	pending record.Row
	done    bool
	emitted bool
}

// nextCells returns the next row that has at least one non-blank cell.
func (it *sheetIter) nextCells() ([]string, bool, error) {
	for it.rows.Next() {
		cells, err := it.rows.Columns()
		if err != nil {
			return nil, false, err
		}
		if !blankRow(cells) {
			return cells, true, nil
		}
	}
	return nil, false, it.rows.Error()
}

func (it *sheetIter) readHeader(hasHeader bool) error {
	cells, ok, err := it.nextCells()
	if err != nil {
		return err
	}
	if !ok {
		it.done = true
		return nil
	}
	it.columns = make([]string, len(cells))
	if hasHeader {
		for i, c := range cells {
			it.columns[i] = strings.TrimSpace(c)
		}
		return nil
	}
	for i := range cells {
		it.columns[i] = "column_" + strconv.Itoa(i+1)
	}
	it.pending = toRow(cells, len(it.columns))
	return nil
}

func (it *sheetIter) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if it.done && it.pending == nil && (it.emitted || it.columns == nil) {
		return Batch{}, io.EOF
	}

	b := Batch{Partition: it.sheet, Columns: it.columns}
	if it.pending != nil {
		b.Rows = append(b.Rows, it.pending)
		it.pending = nil
	}
	for !it.done && (it.chunk <= 0 || len(b.Rows) < it.chunk) {
		cells, ok, err := it.nextCells()
		if err != nil {
			return Batch{}, err
		}
		if !ok {
			it.done = true
			break
		}
		b.Rows = append(b.Rows, toRow(cells, len(it.columns)))
	}

	if len(b.Rows) == 0 && it.emitted {
		return Batch{}, io.EOF
	}
	it.emitted = true
	return b, nil
}

func (it *sheetIter) Close() error {
	var first error
	if it.rows != nil {
		first = it.rows.Close()
		it.rows = nil
	}
	if it.xf != nil {
		if err := it.xf.Close(); err != nil && first == nil {
			first = err
		}
		it.xf = nil
	}
	return first
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
