package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bulkload/internal/storage"
)

// ErrConflict marks a column addition the backend rejected for a reason
// other than the column already existing.
var ErrConflict = errors.New("schema: conflict")

// ConflictError is a rejected schema change on one table.
type ConflictError struct {
	Table  string
	Column string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("schema conflict on %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("schema conflict on %s adding %s: %v", e.Table, e.Column, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Evolver grows live tables. It never drops, renames or retypes a column.
type Evolver struct {
	Logger *slog.Logger
}

func (ev *Evolver) logger() *slog.Logger {
	if ev == nil || ev.Logger == nil {
		return slog.Default()
	}
	return ev.Logger
}

// Reconcile adds every column of incoming that table lacks and returns the
// names it added, in incoming order.
//
// Edge cases:
//   - A table that does not exist yet is left alone; nil is returned and the
//     caller creates it from incoming.
//   - Existing columns match case-insensitively.
//   - An "already exists" failure (another writer, or a case-folding backend)
//     counts as present, not as added.
//
// Errors:
//   - Connection loss and context errors are returned unchanged.
//   - Any other ALTER failure is a *ConflictError (errors.Is ErrConflict).
//     Columns added before the failure stay added.
func (ev *Evolver) Reconcile(ctx context.Context, b storage.Backend, table string, incoming Schema) ([]string, error) {
	exists, err := b.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	cols, err := b.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	missing := incoming.Missing(FromStorage(cols))
	if len(missing) == 0 {
		return nil, nil
	}

	start := time.Now()
	d := b.Dialect()
	var added []string
	for _, col := range missing {
		_, q, err := storage.ExecIdent(ctx, b, func(q storage.QuoteStyle) string {
			return d.AddColumnSQL(table, col, q)
		})
		switch {
		case err == nil:
			ev.logger().Debug("column added", "table", table, "column", col, "quoting", q.String())
			added = append(added, col)
		case storage.IsAlreadyExists(err):
			ev.logger().Debug("column already present", "table", table, "column", col)
		case storage.IsConnectionLost(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return added, err
		default:
			return added, &ConflictError{Table: table, Column: col, Err: err}
		}
	}

	ev.logger().Info("schema evolved", "table", table, "stage", "evolve", "columns", added,
		"duration", time.Since(start).Milliseconds())
	return added, nil
}
