package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"bulkload/internal/ingest"
)

type fileReport struct {
	Path          string   `json:"path"`
	Table         string   `json:"table"`
	Partitions    []string `json:"partitions,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
	Chunks        int      `json:"chunks"`
	RowsLoaded    int64    `json:"rows_loaded"`
	RowsSkipped   int64    `json:"rows_skipped"`
	RowsMalformed int64    `json:"rows_malformed"`
	ColumnsAdded  []string `json:"columns_added,omitempty"`
	Cancelled     bool     `json:"cancelled,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	Error         string   `json:"error,omitempty"`
	ElapsedMS     int64    `json:"elapsed_ms"`
}

type runReport struct {
	RunID          string       `json:"run_id"`
	Status         string       `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	FilesTotal     int          `json:"files_total"`
	FilesSucceeded int          `json:"files_succeeded"`
	FilesFailed    int          `json:"files_failed"`
	RowsTotal      int64        `json:"rows_total"`
	RowsSkipped    int64        `json:"rows_skipped"`
	RowsMalformed  int64        `json:"rows_malformed"`
	ColumnsAdded   int          `json:"columns_added"`
	RowsPerSecond  float64      `json:"rows_per_second"`
	ElapsedMS      int64        `json:"elapsed_ms"`
	Remaining      []string     `json:"remaining,omitempty"`
	Errors         []string     `json:"errors,omitempty"`
	Files          []fileReport `json:"files"`
}

func newRunReport(out ingest.Outcome) runReport {
	r := out.Result
	rep := runReport{
		RunID:          r.RunID,
		Status:         string(out.Status),
		Reason:         out.Reason,
		FilesTotal:     r.FilesTotal,
		FilesSucceeded: r.FilesSucceeded,
		FilesFailed:    r.FilesFailed,
		RowsTotal:      r.RowsTotal,
		RowsSkipped:    r.RowsSkipped,
		RowsMalformed:  r.RowsMalformed,
		ColumnsAdded:   r.ColumnsAdded,
		RowsPerSecond:  r.RowsPerSecond(),
		ElapsedMS:      r.Elapsed.Milliseconds(),
		Remaining:      r.Remaining,
		Files:          make([]fileReport, 0, len(r.Files)),
	}
	for _, err := range r.Errors {
		rep.Errors = append(rep.Errors, err.Error())
	}
	for _, f := range r.Files {
		fr := fileReport{
			Path:          f.Path,
			Table:         f.Table,
			Partitions:    f.Partitions,
			Strategy:      f.Strategy,
			Chunks:        f.Chunks,
			RowsLoaded:    f.RowsLoaded,
			RowsSkipped:   f.RowsSkipped,
			RowsMalformed: f.RowsMalformed,
			ColumnsAdded:  f.ColumnsAdded,
			Cancelled:     f.Cancelled,
			ElapsedMS:     f.Elapsed.Milliseconds(),
		}
		if f.Err != nil {
			fr.ErrorKind = string(f.Err.Kind)
			fr.Error = f.Err.Error()
		}
		rep.Files = append(rep.Files, fr)
	}
	return rep
}

func (a *app) printOutcome(out ingest.Outcome) error {
	if a.output == "json" {
		return printJSON(a.out, newRunReport(out))
	}
	return printOutcomeText(a.out, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOutcomeText(w io.Writer, out ingest.Outcome) error {
	r := out.Result
	fmt.Fprintf(w, "run %s: %s\n", r.RunID, out.Status)
	if out.Reason != "" && out.Status != ingest.StatusSucceeded {
		fmt.Fprintf(w, "reason: %s\n", out.Reason)
	}

	if len(r.Files) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tTABLE\tROWS\tSTRATEGY\tADDED\tSTATUS")
		for _, f := range r.Files {
			status := "ok"
			switch {
			case f.Err != nil:
				status = string(f.Err.Kind)
			case f.Cancelled:
				status = "cancelled"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				f.Path, f.Table, f.RowsLoaded, orDash(f.Strategy), orDash(strings.Join(f.ColumnsAdded, ",")), status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, err := range r.Errors {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	if len(r.Remaining) > 0 {
		fmt.Fprintf(w, "not attempted: %s\n", strings.Join(r.Remaining, ", "))
	}
	_, err := fmt.Fprintln(w, r.Summary())
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
