package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bulkload/internal/config"
	"bulkload/internal/ingest"
	"bulkload/internal/job"
	"bulkload/internal/naming"
	"bulkload/internal/schema"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

type schemaPreview struct {
	Files    []string `json:"files"`
	Columns  []string `json:"columns"`
	Table    string   `json:"table,omitempty"`
	Exists   bool     `json:"exists,omitempty"`
	WouldAdd []string `json:"would_add,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func newSchemaCmd(a *app) *cobra.Command {
	var (
		pattern   string
		recursive bool
		table     string
		ff        formatFlags
	)
	cmd := &cobra.Command{
		Use:   "schema PATH",
		Short: "Preview the unified schema of a file or folder without loading it",
		Long: `Run schema discovery over PATH and print the columns a load would create.
With --table, also print the columns a load would add to that existing table.`,
		Example: `  bulkload schema ./exports
  bulkload schema --table sales --backend sqlite --dsn sales.db feb.csv`,
		Args: exactArgs(1, "one file or directory"),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := job.RequestFor(config.JobSource{File: args[0], Format: ff.jobFormat()})
			if err != nil {
				return &usageError{err: err}
			}
			return a.previewSchema(cmd.Context(), args[0], ingest.Folder{Dir: args[0], Pattern: pattern, Recursive: recursive}, table, req.Format)
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "globs separated by ',' or ';' when PATH is a folder")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into subfolders")
	cmd.Flags().StringVarP(&table, "table", "t", "", "compare against this existing table")
	ff.register(cmd)
	return cmd
}

func (a *app) previewSchema(ctx context.Context, path string, folder ingest.Folder, table string, format source.Options) error {
	fi, err := a.fs.Stat(path)
	if err != nil {
		return err
	}
	paths := []string{path}
	if fi.IsDir() {
		if paths, err = ingest.Enumerate(a.fs, folder); err != nil {
			return err
		}
		if len(paths) == 0 {
			return ingest.ErrNoFiles
		}
	}

	var (
		files   []source.SourceFile
		preview schemaPreview
	)
	for _, p := range paths {
		f, err := source.Detect(a.fs, p)
		if err != nil {
			preview.Errors = append(preview.Errors, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		files = append(files, f)
		preview.Files = append(preview.Files, p)
	}

	return a.withBackend(ctx, func(b storage.Backend) error {
		names := naming.New(naming.ParseCase(a.settings.Case), b.Dialect().Reserved...)
		d := &schema.Discoverer{Fs: a.fs, Naming: names, Logger: a.logger}
		unified, fileErrs, err := d.Discover(ctx, files, schema.Options{
			SampleRows: a.settings.SampleRows,
			Merge:      fi.IsDir(),
			Format:     format,
		})
		if err != nil {
			return err
		}
		preview.Columns = unified.Names()
		for _, fe := range fileErrs {
			preview.Errors = append(preview.Errors, fe.Error())
		}

		if table != "" {
			preview.Table = names.Table(table)
			if preview.Exists, err = b.TableExists(ctx, preview.Table); err != nil {
				return err
			}
			if preview.Exists {
				cols, err := b.DescribeTable(ctx, preview.Table)
				if err != nil {
					return err
				}
				preview.WouldAdd = unified.Missing(schema.FromStorage(cols))
			}
		}

		if a.output == "json" {
			return printJSON(a.out, preview)
		}
		return printPreviewText(a.out, preview)
	})
}

func printPreviewText(w io.Writer, p schemaPreview) error {
	fmt.Fprintf(w, "%d file(s)\n", len(p.Files))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOLUMN")
	for i, c := range p.Columns {
		fmt.Fprintf(tw, "%d\t%s\n", i+1, c)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	switch {
	case p.Table != "" && !p.Exists:
		fmt.Fprintf(w, "table %s does not exist; a load would create it\n", p.Table)
	case p.Table != "" && len(p.WouldAdd) == 0:
		fmt.Fprintf(w, "table %s already has every column\n", p.Table)
	case p.Table != "":
		fmt.Fprintf(w, "table %s would gain: %s\n", p.Table, strings.Join(p.WouldAdd, ", "))
	}
	for _, e := range p.Errors {
		fmt.Fprintf(w, "skipped: %s\n", e)
	}
	return nil
}

type tableDescription struct {
	Table   string           `json:"table"`
	Columns []storage.Column `json:"columns"`
}

func newDescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe TABLE",
		Short: "Print the live columns of a table",
		Args:  exactArgs(1, "one table name"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(b storage.Backend) error {
				return a.describe(cmd.Context(), b, args[0])
			})
		},
	}
}

func (a *app) describe(ctx context.Context, b storage.Backend, table string) error {
	ok, err := b.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("table %s does not exist", table)
	}
	cols, err := b.DescribeTable(ctx, table)
	if err != nil {
		return err
	}
	if a.output == "json" {
		return printJSON(a.out, tableDescription{Table: table, Columns: cols})
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOLUMN\tTYPE")
	for i, c := range cols {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, c.Name, c.Type)
	}
	return tw.Flush()
}
