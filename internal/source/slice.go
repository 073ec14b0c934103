package source

import (
	"context"
	"io"

	"bulkload/internal/record"
)

// sliceIter cuts rows that are already in memory into batches. Formats that
// cannot be decoded incrementally (HTML, parquet row groups) end up here.
type sliceIter struct {
	partition string
	columns   []string
	rows      []record.Row
	chunk     int
	pos       int
	emitted   bool
	release   func()
}

func (it *sliceIter) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if it.pos >= len(it.rows) && (it.emitted || it.columns == nil) {
		return Batch{}, io.EOF
	}
	it.emitted = true

	end := len(it.rows)
	if it.chunk > 0 && it.pos+it.chunk < end {
		end = it.pos + it.chunk
	}
	b := Batch{Partition: it.partition, Columns: it.columns, Rows: it.rows[it.pos:end]}
	it.pos = end
	return b, nil
}

func (it *sliceIter) Close() error {
	if it.release != nil {
		it.release()
		it.release = nil
	}
	return nil
}
