package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bulkload/internal/metrics"
	"bulkload/internal/record"
	"bulkload/internal/storage"
)

// Strategy names, in fallback order.
const (
	NativeBulkLoad = "native_bulk_load"
	BulkInsert     = "bulk_insert"
	RowByRow       = "row_by_row"
)

// Write is one chunk bound for one table. Rows are aligned to Columns.
type Write struct {
	Backend storage.Backend
	Table   string
	Columns []storage.Column

	// Create means the table does not exist yet and this write makes it.
	Create bool
	Rows   []record.Row
}

// Written is what a successful strategy reports.
type Written struct {
	Rows    int64
	Skipped int64
}

// Strategy is one way of getting a chunk into the backend.
type Strategy interface {
	Name() string
	Load(ctx context.Context, w *Write) (Written, error)
}

// Chain tries strategies in order; the first success wins.
type Chain struct {
	Strategies []Strategy
	Logger     *slog.Logger
}

// DefaultChain is bulk insert, then row by row.
func DefaultChain(logger *slog.Logger) *Chain {
	return &Chain{
		Strategies: []Strategy{bulkInsert{}, rowByRow{logger: logger}},
		Logger:     logger,
	}
}

// Run loads w and returns what was written plus the strategy that did it.
//
// Errors:
//   - Connection loss and context errors end the chain at once, unchanged.
//   - When every strategy fails, the first strategy's error is returned
//     wrapped as WriteFailed; the later ones are logged.
func (c *Chain) Run(ctx context.Context, w *Write) (Written, string, error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	if len(c.Strategies) == 0 {
		return Written{}, "", &Error{Kind: WriteFailed, Op: "write", Table: w.Table, Err: errors.New("no strategies configured")}
	}

	var first error
	began := time.Now()
	for _, s := range c.Strategies {
		start := time.Now()
		out, err := s.Load(ctx, w)
		if err == nil {
			metrics.IncCounter(metrics.StrategyTotal, 1, metrics.Labels{"strategy": s.Name(), "status": "ok"})
			metrics.ObserveStep("write", "ok", start)
			log.Debug("chunk written", "table", w.Table, "strategy", s.Name(), "rows", out.Rows,
				"skipped", out.Skipped, "duration", time.Since(start).Milliseconds())
			return out, s.Name(), nil
		}
		metrics.IncCounter(metrics.StrategyTotal, 1, metrics.Labels{"strategy": s.Name(), "status": "error"})
		if storage.IsConnectionLost(err) {
			// Rows a row-by-row pass committed before the loss stay counted.
			return out, s.Name(), &Error{Kind: ConnectionLost, Op: "write", Table: w.Table, Err: err}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Written{}, s.Name(), err
		}
		log.Warn("strategy failed, falling back", "table", w.Table, "strategy", s.Name(), "err", err)
		if first == nil {
			first = err
		}
	}
	metrics.ObserveStep("write", "error", began)
	return Written{}, "", &Error{Kind: WriteFailed, Op: "write", Table: w.Table, Err: first}
}

// bulkInsert writes the chunk as one backend operation.
type bulkInsert struct{}

func (bulkInsert) Name() string { return BulkInsert }

func (bulkInsert) Load(ctx context.Context, w *Write) (Written, error) {
	var (
		n   int64
		err error
	)
	if w.Create {
		n, err = w.Backend.CreateTableFromRows(ctx, w.Table, w.Columns, w.Rows)
	} else {
		if len(w.Rows) == 0 {
			return Written{}, nil
		}
		n, err = w.Backend.InsertRows(ctx, w.Table, storage.ColumnNames(w.Columns), w.Rows)
	}
	if err != nil {
		return Written{}, err
	}
	return Written{Rows: n}, nil
}

// rowByRow inserts one row per statement and skips rows the backend rejects.
type rowByRow struct {
	logger *slog.Logger
}

func (rowByRow) Name() string { return RowByRow }

func (s rowByRow) Load(ctx context.Context, w *Write) (Written, error) {
	log := s.logger
	if log == nil {
		log = slog.Default()
	}

	if w.Create {
		// A non-transactional backend may have kept the table from the failed
		// bulk attempt.
		exists, err := w.Backend.TableExists(ctx, w.Table)
		if err != nil {
			return Written{}, err
		}
		if !exists {
			if _, err := w.Backend.CreateTableFromRows(ctx, w.Table, w.Columns, nil); err != nil {
				return Written{}, fmt.Errorf("create %s: %w", w.Table, err)
			}
		}
	}

	names := storage.ColumnNames(w.Columns)
	var (
		out   Written
		first error
	)
	for i, row := range w.Rows {
		n, err := w.Backend.InsertRows(ctx, w.Table, names, []record.Row{row})
		if err == nil {
			out.Rows += n
			continue
		}
		if storage.IsConnectionLost(err) || ctx.Err() != nil {
			return out, err
		}
		if first == nil {
			first = err
		}
		out.Skipped++
		log.Warn("row skipped", "table", w.Table, "row", i, "err", err)
	}
	// A chunk with nothing written is a failed chunk, not a skipped one.
	if out.Rows == 0 && len(w.Rows) > 0 {
		return out, fmt.Errorf("all %d rows rejected: %w", len(w.Rows), first)
	}
	return out, nil
}
