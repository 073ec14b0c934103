package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Mode is how a run treats an existing target table.
type Mode string

const (
	// Create makes a new table and refuses one that already exists.
	Create Mode = "create"
	// Replace drops the table once per run, then creates it.
	Replace Mode = "replace"
	// Append inserts into the table, creating it when absent.
	Append Mode = "append"
)

// ParseMode accepts create, replace and append (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Create, Replace, Append:
		return m, nil
	case "":
		return Create, nil
	}
	return "", fmt.Errorf("ingest: unknown mode %q (want create|replace|append)", s)
}

// Naming selects how folder runs map files to tables.
type Naming string

const (
	// MergeToOneTable loads every file into one table with a source-file column.
	MergeToOneTable Naming = "merge"
	// OneTablePerFile loads each file into a table named after it.
	OneTablePerFile Naming = "per_file"
)

// ParseNaming accepts merge / mergeToOneTable and per_file / oneTablePerFile.
func ParseNaming(s string) (Naming, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "merge", "mergetoonetable", "merge_to_one_table":
		return MergeToOneTable, nil
	case "per_file", "onetableperfile", "one_table_per_file":
		return OneTablePerFile, nil
	}
	return "", fmt.Errorf("ingest: unknown naming strategy %q (want merge|per_file)", s)
}

// IngestionResult is the outcome of one file.
type IngestionResult struct {
	Path       string
	Table      string
	Partitions []string

	// Strategy is the most robust strategy any write of the file needed.
	Strategy string

	Chunks        int
	RowsLoaded    int64
	RowsSkipped   int64 // rows the row-by-row strategy dropped
	RowsMalformed int64 // source records the reader could not parse
	ColumnsAdded  []string

	// Err is nil on success. Rows loaded before a failure stay loaded.
	Err *Error

	// Cancelled is set when cancellation stopped the file between chunks.
	Cancelled bool

	Elapsed time.Duration
}

// OK reports whether the file loaded completely.
func (r IngestionResult) OK() bool { return r.Err == nil && !r.Cancelled }

// RunResult aggregates one run.
type RunResult struct {
	RunID string
	Files []IngestionResult

	FilesTotal     int
	FilesSucceeded int
	FilesFailed    int

	RowsTotal     int64
	RowsSkipped   int64
	RowsMalformed int64
	ColumnsAdded  int

	// Errors holds every per-file error plus run-level errors (discovery,
	// connection loss), in the order they happened.
	Errors []error

	// Remaining lists files not attempted because the run stopped early.
	Remaining []string

	// Cancelled is set when cancellation stopped the run.
	Cancelled bool

	Elapsed time.Duration
}

// RowsPerSecond is RowsTotal over Elapsed, 0 for an instant run.
func (r RunResult) RowsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.RowsTotal) / r.Elapsed.Seconds()
}

func (r *RunResult) add(f IngestionResult) {
	r.Files = append(r.Files, f)
	r.RowsTotal += f.RowsLoaded
	r.RowsSkipped += f.RowsSkipped
	r.RowsMalformed += f.RowsMalformed
	r.ColumnsAdded += len(f.ColumnsAdded)
	switch {
	case f.Err != nil:
		r.FilesFailed++
		r.Errors = append(r.Errors, f.Err)
	case f.Cancelled:
	default:
		r.FilesSucceeded++
	}
}

// ConnectionLost reports whether the run halted on a lost backend.
func (r RunResult) ConnectionLost() bool {
	for _, err := range r.Errors {
		if KindOf(err) == ConnectionLost {
			return true
		}
	}
	return false
}

// Summary is a one-line human-readable account of the run.
func (r RunResult) Summary() string {
	return fmt.Sprintf("%d/%d files loaded, %d failed, %d rows (%d skipped, %d malformed), %d columns added in %s (%.0f rows/s)",
		r.FilesSucceeded, r.FilesTotal, r.FilesFailed, r.RowsTotal, r.RowsSkipped, r.RowsMalformed,
		r.ColumnsAdded, r.Elapsed.Truncate(time.Millisecond), r.RowsPerSecond())
}
