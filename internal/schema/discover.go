package schema

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/afero"

	"bulkload/internal/naming"
	"bulkload/internal/source"
)

// FileError records a file that discovery had to skip.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e FileError) Unwrap() error { return e.Err }

// Options controls one discovery call.
type Options struct {
	// SampleRows is how many rows per partition are read to learn column
	// labels. <= 0 means 1. Formats with a header row need none, but
	// JSON labels only appear with rows.
	SampleRows int

	// Merge appends the source-file column (the files share one table).
	Merge bool

	// Format is passed to the readers. PartitionAll adds the
	// partition-name column.
	Format source.Options
}

// Discoverer builds unified schemas from file samples.
type Discoverer struct {
	Fs     afero.Fs
	Naming *naming.Sanitizer
	Logger *slog.Logger
}

func (d *Discoverer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Discoverer) fs() afero.Fs {
	if d.Fs == nil {
		return afero.NewOsFs()
	}
	return d.Fs
}

// Discover samples every file and returns the unified schema.
//
// Column order: the first readable unit (file, partition) keeps its own
// order; every column first seen later is collected, sorted and appended.
// Synthetic columns come last: partition name (PartitionAll), then source
// file (Merge).
//
// Edge cases:
//   - Unreadable files are skipped and reported in the FileError list;
//     discovery goes on with the rest.
//   - A data column that sanitizes to a synthetic column's name is dropped
//     in favor of the synthetic column.
//
// Errors:
//   - Only context cancellation is returned as error.
func (d *Discoverer) Discover(ctx context.Context, files []source.SourceFile, opts Options) (Schema, []FileError, error) {
	var (
		base    Schema
		seeded  bool
		later   = map[string]string{} // folded name -> name
		fileErr []FileError
	)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Schema{}, fileErr, err
		}
		units, err := d.FileColumns(ctx, f, opts)
		if err != nil {
			if ctx.Err() != nil {
				return Schema{}, fileErr, ctx.Err()
			}
			d.logger().Warn("schema discovery skipped file", "file", f.Path, "err", err)
			fileErr = append(fileErr, FileError{Path: f.Path, Err: err})
			continue
		}
		for _, cols := range units {
			if !seeded {
				base = FromNames(cols...)
				seeded = true
				continue
			}
			for _, c := range cols {
				if !base.Has(c) {
					later[foldKey(c)] = c
				}
			}
		}
	}

	extra := make([]string, 0, len(later))
	for _, c := range later {
		extra = append(extra, c)
	}
	sort.Strings(extra)
	unified := base.With(extra...)

	return d.withSynthetic(unified, opts), fileErr, nil
}

// FileColumns returns the sanitized, de-duplicated column labels of each
// selected partition of one file, in partition order.
func (d *Discoverer) FileColumns(ctx context.Context, f source.SourceFile, opts Options) ([][]string, error) {
	r, err := source.Open(d.fs(), f, opts.Format)
	if err != nil {
		return nil, err
	}
	parts, err := r.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := source.SelectPartitions(parts, opts.Format)
	if err != nil {
		return nil, err
	}

	sample := opts.SampleRows
	if sample <= 0 {
		sample = 1
	}

	out := make([][]string, 0, len(selected))
	for _, p := range selected {
		labels, err := sampleLabels(ctx, r, p, sample)
		if err != nil {
			return nil, fmt.Errorf("partition %q: %w", p, err)
		}
		out = append(out, d.Naming.Unique(labels))
	}
	return out, nil
}

// ForFile is the schema a single file would get as its own table.
func (d *Discoverer) ForFile(ctx context.Context, f source.SourceFile, opts Options) (Schema, error) {
	s, errs, err := d.Discover(ctx, []source.SourceFile{f}, opts)
	if err != nil {
		return Schema{}, err
	}
	if len(errs) > 0 {
		return Schema{}, errs[0].Err
	}
	return s, nil
}

func (d *Discoverer) withSynthetic(s Schema, opts Options) Schema {
	var synth []string
	if opts.Format.PartitionMode == source.PartitionAll {
		synth = append(synth, PartitionColumn(d.Naming))
	}
	if opts.Merge {
		synth = append(synth, SourceFileColumn(d.Naming))
	}
	if len(synth) == 0 {
		return s
	}
	return s.Without(synth...).With(synth...)
}

func sampleLabels(ctx context.Context, r source.Reader, partition string, rows int) ([]string, error) {
	it, err := r.ReadChunks(ctx, partition, rows)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	b, err := it.Next(ctx)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b.Columns, nil
}
