package schema

import (
	"strings"

	"bulkload/internal/record"
)

// Plan maps chunk cells onto a live table's column order.
type Plan struct {
	live []string
	// from[i] is the chunk position feeding live column i, or -1.
	from  []int
	fixed map[int]record.Value
}

// Align builds the projection from chunk columns onto live columns. Both
// lists are sanitized names; matching is case-insensitive. Chunk columns
// the table lacks are dropped, live columns the chunk lacks become NULL.
func Align(chunk, live []string) *Plan {
	pos := make(map[string]int, len(chunk))
	for i, c := range chunk {
		k := foldKey(c)
		if _, dup := pos[k]; !dup {
			pos[k] = i
		}
	}
	p := &Plan{live: append([]string(nil), live...), from: make([]int, len(live))}
	for i, c := range live {
		j, ok := pos[foldKey(c)]
		if !ok {
			j = -1
		}
		p.from[i] = j
	}
	return p
}

// Set fills the named live column with v on every row, overriding any
// chunk cell. Unknown columns are ignored.
func (p *Plan) Set(column string, v record.Value) *Plan {
	for i, c := range p.live {
		if strings.EqualFold(c, column) {
			if p.fixed == nil {
				p.fixed = map[int]record.Value{}
			}
			p.fixed[i] = v
		}
	}
	return p
}

// Columns returns the live column order the plan produces.
func (p *Plan) Columns() []string { return append([]string(nil), p.live...) }

// Identity reports whether Apply would return rows unchanged.
func (p *Plan) Identity(width int) bool {
	if len(p.fixed) > 0 || width != len(p.from) {
		return false
	}
	for i, j := range p.from {
		if i != j {
			return false
		}
	}
	return true
}

// Apply returns rows reshaped to the live columns. The input is not modified.
func (p *Plan) Apply(rows []record.Row) []record.Row {
	out := make([]record.Row, len(rows))
	for r, row := range rows {
		aligned := make(record.Row, len(p.from))
		for i, j := range p.from {
			if v, ok := p.fixed[i]; ok {
				aligned[i] = v
				continue
			}
			if j >= 0 && j < len(row) {
				aligned[i] = row[j]
			}
		}
		out[r] = aligned
	}
	return out
}
