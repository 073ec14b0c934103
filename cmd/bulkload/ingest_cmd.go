package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"bulkload/internal/config"
	"bulkload/internal/ingest"
	"bulkload/internal/job"
	"bulkload/internal/storage"
)

// formatFlags are the reader options shared by load, folder and schema.
type formatFlags struct {
	delimiter     string
	encoding      string
	noHeader      bool
	partitionMode string
	partitionName string
	lazyQuotes    bool
}

func (f *formatFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.delimiter, "delimiter", "d", "auto", "field delimiter: auto, tab, comma, semicolon, pipe or a single character")
	fl.StringVar(&f.encoding, "encoding", "", "text encoding, e.g. utf-8, latin1, windows-1252 (default utf-8)")
	fl.BoolVar(&f.noHeader, "no-header", false, "the first row is data; columns are named COLUMN1, COLUMN2, ...")
	fl.StringVar(&f.partitionMode, "partition-mode", "first", "spreadsheet sheets and HTML tables to read: first, all or named")
	fl.StringVar(&f.partitionName, "partition", "", "partition to read when --partition-mode=named")
	fl.BoolVar(&f.lazyQuotes, "lazy-quotes", false, "tolerate stray quotes in delimited files")
}

func (f *formatFlags) jobFormat() config.JobFormat {
	hasHeader := !f.noHeader
	return config.JobFormat{
		Delimiter:     f.delimiter,
		Encoding:      f.encoding,
		HasHeader:     &hasHeader,
		PartitionMode: f.partitionMode,
		PartitionName: f.partitionName,
		LazyQuotes:    f.lazyQuotes,
	}
}

func newLoadCmd(a *app) *cobra.Command {
	var (
		table string
		mode  string
		ff    formatFlags
	)
	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Load one file into one table",
		Long: `Load one file. The table defaults to the sanitized file name.

Modes:
  create   fail if the table exists
  replace  drop and recreate the table
  append   add rows, adding any new columns first`,
		Example: `  bulkload load sales.csv
  bulkload load --backend postgres --dsn "$DATABASE_URL" --mode append -t sales jan.xlsx
  bulkload load --partition-mode all report.xlsx`,
		Args: exactArgs(1, "one file"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ingest(cmd.Context(), config.JobSource{
				File:   args[0],
				Table:  table,
				Mode:   mode,
				Format: ff.jobFormat(),
			})
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "target table (default: the file's base name)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "create", "create, replace or append")
	ff.register(cmd)
	return cmd
}

func newFolderCmd(a *app) *cobra.Command {
	var (
		src config.JobSource
		ff  formatFlags
	)
	cmd := &cobra.Command{
		Use:   "folder DIR",
		Short: "Load every matching file of a folder",
		Long: `Load every supported file of DIR that matches --pattern.

Naming:
  merge     one table (--table, default the folder name) with a SOURCEFILE column
  per_file  one table per file, named --prefix plus the file name`,
		Example: `  bulkload folder --table sales ./exports
  bulkload folder -r --pattern "*.csv;*.xlsx" --naming per_file --prefix stg_ ./drops`,
		Args: exactArgs(1, "one directory"),
		RunE: func(cmd *cobra.Command, args []string) error {
			src.Folder = args[0]
			src.Format = ff.jobFormat()
			return a.ingest(cmd.Context(), src)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&src.Pattern, "pattern", "", "globs separated by ',' or ';' (default: every supported file)")
	fl.BoolVarP(&src.Recursive, "recursive", "r", false, "descend into subfolders")
	fl.StringVarP(&src.Table, "table", "t", "", "merge target table (default: the folder name)")
	fl.StringVarP(&src.Mode, "mode", "m", "create", "create, replace or append")
	fl.StringVar(&src.Naming, "naming", "merge", "merge or per_file")
	fl.StringVar(&src.Prefix, "prefix", "", "table name prefix for per_file naming")
	ff.register(cmd)
	return cmd
}

// ingest runs one source through the engine, logging progress and printing
// the outcome.
func (a *app) ingest(ctx context.Context, src config.JobSource) error {
	req, err := job.RequestFor(src)
	if err != nil {
		return &usageError{err: err}
	}
	return a.withBackend(ctx, func(b storage.Backend) error {
		h := ingest.NewEngine(b, a.engineOptions()).Start(ctx, req)
		for ev := range h.Progress() {
			if ev.Outcome == nil {
				a.logger.Info("progress", "run_id", h.ID, "percent", fmt.Sprintf("%.0f", ev.Percent), "message", ev.Message)
			}
		}
		out := h.Wait()
		if err := a.printOutcome(out); err != nil {
			return err
		}
		if out.Status != ingest.StatusSucceeded {
			return errReported
		}
		return nil
	})
}
