// Package schema computes unified column sets across source files, grows
// live tables to accept them, and aligns row batches to a table's columns.
//
// Every column is text. Numeric and date interpretation is left to queries
// run against the loaded tables, so files that disagree on a column's type
// never conflict.
package schema

import (
	"strings"

	"bulkload/internal/naming"
	"bulkload/internal/storage"
)

// TextType is the logical type of every discovered column. Backends map it
// to their loosest text type.
const TextType = "TEXT"

// Labels of the synthetic columns, before case folding.
const (
	partitionLabel  = "partitionName"
	sourceFileLabel = "sourceFile"
)

// PartitionColumn is the sanitized name of the partition-name column.
func PartitionColumn(s *naming.Sanitizer) string { return s.Column(partitionLabel) }

// SourceFileColumn is the sanitized name of the source-file column.
func SourceFileColumn(s *naming.Sanitizer) string { return s.Column(sourceFileLabel) }

// Column is one schema column.
type Column struct {
	Name string
	Type string
}

// Schema is an ordered, duplicate-free column list. It is a value: methods
// never modify the receiver.
type Schema struct {
	cols []Column
}

// FromNames builds a text-typed schema. Later duplicates (case-insensitive)
// are dropped.
func FromNames(names ...string) Schema {
	return Schema{}.With(names...)
}

// Len returns the number of columns.
func (s Schema) Len() int { return len(s.cols) }

// Columns returns a copy of the columns.
func (s Schema) Columns() []Column {
	return append([]Column(nil), s.cols...)
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.cols))
	for i, c := range s.cols {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of name (case-insensitive), or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.cols {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Has reports whether name is a column (case-insensitive).
func (s Schema) Has(name string) bool { return s.Index(name) >= 0 }

// With returns s plus the names it does not already have, in argument order.
func (s Schema) With(names ...string) Schema {
	out := Schema{cols: append([]Column(nil), s.cols...)}
	for _, n := range names {
		if n == "" || out.Has(n) {
			continue
		}
		out.cols = append(out.cols, Column{Name: n, Type: TextType})
	}
	return out
}

// Without returns s minus the named columns.
func (s Schema) Without(names ...string) Schema {
	out := Schema{}
	for _, c := range s.cols {
		drop := false
		for _, n := range names {
			if strings.EqualFold(c.Name, n) {
				drop = true
				break
			}
		}
		if !drop {
			out.cols = append(out.cols, c)
		}
	}
	return out
}

// Missing returns the names of s that other lacks, in s's order.
func (s Schema) Missing(other Schema) []string {
	var out []string
	for _, c := range s.cols {
		if !other.Has(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

// Storage converts s to backend columns.
func (s Schema) Storage() []storage.Column {
	out := make([]storage.Column, len(s.cols))
	for i, c := range s.cols {
		out[i] = storage.Column{Name: c.Name, Type: c.Type}
	}
	return out
}

// FromStorage wraps a live table's columns.
func FromStorage(cols []storage.Column) Schema {
	out := Schema{cols: make([]Column, len(cols))}
	for i, c := range cols {
		out.cols[i] = Column{Name: c.Name, Type: c.Type}
	}
	return out
}

func (s Schema) String() string {
	return strings.Join(s.Names(), ", ")
}

// foldKey is the case-insensitive identity of a column name.
func foldKey(name string) string { return strings.ToUpper(name) }
