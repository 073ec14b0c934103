package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, fs afero.Fs, path string, data []byte) SourceFile {
	t.Helper()
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	f, err := Detect(fs, path)
	if err != nil {
		t.Fatalf("Detect %s: %v", path, err)
	}
	return f
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	if _, err := enc.Write([]byte(s)); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func xzBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz: %v", err)
	}
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}
	return buf.Bytes()
}

// xlsxBytes builds a workbook; sheets are written in order, the first row of
// each is its header.
func xlsxBytes(t *testing.T, names []string, sheets map[string][][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, name := range names {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				t.Fatalf("rename sheet: %v", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("new sheet: %v", err)
		}
		for r, row := range sheets[name] {
			if len(row) == 0 {
				continue
			}
			row := row
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				t.Fatalf("cell name: %v", err)
			}
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				t.Fatalf("set row: %v", err)
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

// parquetBytes writes an (id int64, name string) file; empty names are NULL.
func parquetBytes(t *testing.T, ids []int64, names []string) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	sb := b.Field(1).(*array.StringBuilder)
	for _, n := range names {
		if n == "" {
			sb.AppendNull()
		} else {
			sb.Append(n)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	table := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer table.Release()

	var buf bytes.Buffer
	w, err := pqarrow.NewFileWriter(schema, &buf, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		t.Fatalf("parquet writer: %v", err)
	}
	if err := w.WriteTable(table, table.NumRows()); err != nil {
		t.Fatalf("write table: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close parquet: %v", err)
	}
	return buf.Bytes()
}

// readBatches drains a partition and returns every batch.
func readBatches(t *testing.T, fs afero.Fs, f SourceFile, opts Options, partition string, chunk int) []Batch {
	t.Helper()
	r, err := Open(fs, f, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	it, err := r.ReadChunks(context.Background(), partition, chunk)
	if err != nil {
		t.Fatalf("ReadChunks: %v", err)
	}
	defer it.Close()

	var out []Batch
	for {
		b, err := it.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, b)
	}
}

// cells renders rows as "a|b|NULL" for comparison.
func cells(b Batch) []string {
	out := make([]string, len(b.Rows))
	for i, r := range b.Rows {
		out[i] = r.Strings()
	}
	return out
}
