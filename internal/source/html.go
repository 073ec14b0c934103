package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"

	"bulkload/internal/record"
)

// htmlReader treats every <table> of a document as a partition, named by
// its id attribute or table_N (1-based) when it has none.
//
// The header row is the first row with <th> cells, or the first row when no
// row has any. Without Options.HasHeader every row is data.
type htmlReader struct {
	fs   afero.Fs
	file SourceFile
	opts Options
}

type htmlTable struct {
	name string
	sel  *goquery.Selection
}

func (r *htmlReader) tables() ([]htmlTable, error) {
	raw, closer, err := openStream(r.fs, r.file)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	text, err := decodeText(raw, r.opts.Encoding)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(text)
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", r.file.Path, err)
	}

	var out []htmlTable
	seen := map[string]bool{}
	doc.Find("table").Each(func(i int, s *goquery.Selection) {
		name := strings.TrimSpace(s.AttrOr("id", ""))
		if name == "" || seen[name] {
			name = "table_" + strconv.Itoa(i+1)
		}
		seen[name] = true
		out = append(out, htmlTable{name: name, sel: s})
	})
	return out, nil
}

func (r *htmlReader) Partitions(context.Context) ([]string, error) {
	tables, err := r.tables()
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no <table> in %s", ErrPartitionNotFound, r.file.Path)
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names, nil
}

func (r *htmlReader) ReadChunks(ctx context.Context, partition string, chunkRows int) (ChunkIter, error) {
	tables, err := r.tables()
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no <table> in %s", ErrPartitionNotFound, r.file.Path)
	}

	var tbl *htmlTable
	for i := range tables {
		if partition == "" || tables[i].name == partition {
			tbl = &tables[i]
			break
		}
	}
	if tbl == nil {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
	}

	columns, rows := tableRows(tbl.sel, r.opts.HasHeader)
	return &sliceIter{partition: tbl.name, columns: columns, rows: rows, chunk: chunkRows}, nil
}

// tableRows extracts the cells of one table. Rows of nested tables are not
// included.
func tableRows(tbl *goquery.Selection, hasHeader bool) ([]string, []record.Row) {
	var cells [][]string
	headerAt := -1
	tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.ParentsFiltered("table").First().Get(0) != tbl.Get(0) {
			return
		}
		var row []string
		hasTH := false
		tr.Children().Each(func(_ int, td *goquery.Selection) {
			if goquery.NodeName(td) == "th" {
				hasTH = true
			} else if goquery.NodeName(td) != "td" {
				return
			}
			row = append(row, strings.Join(strings.Fields(td.Text()), " "))
		})
		if len(row) == 0 {
			return
		}
		if hasTH && headerAt < 0 {
			headerAt = len(cells)
		}
		cells = append(cells, row)
	})
	if len(cells) == 0 {
		return nil, nil
	}

	var columns []string
	if hasHeader {
		if headerAt < 0 {
			headerAt = 0
		}
		columns = cells[headerAt]
		cells = append(cells[:headerAt:headerAt], cells[headerAt+1:]...)
	} else {
		width := 0
		for _, c := range cells {
			if len(c) > width {
				width = len(c)
			}
		}
		columns = make([]string, width)
		for i := range columns {
			columns[i] = "column_" + strconv.Itoa(i+1)
		}
	}

	rows := make([]record.Row, len(cells))
	for i, c := range cells {
		rows[i] = toRow(c, len(columns))
	}
	return columns, rows
}
