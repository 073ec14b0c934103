package ingest

import (
	"context"
	"errors"
	"fmt"

	"bulkload/internal/schema"
	"bulkload/internal/source"
	"bulkload/internal/storage"
)

// ErrNoFiles is returned when a folder pattern matches nothing.
var ErrNoFiles = errors.New("ingest: no files matched")

// Kind classifies a failure for the caller.
type Kind string

const (
	// SourceUnreadable: the file is missing, corrupt or unsupported. The file
	// is skipped and the run continues.
	SourceUnreadable Kind = "source_unreadable"
	// SchemaConflict: the table could not take the file's shape. The file
	// is skipped.
	SchemaConflict Kind = "schema_conflict"
	// WriteFailed: every strategy failed for a chunk. Earlier chunks of the
	// file stay committed.
	WriteFailed Kind = "write_failed"
	// ConnectionLost: the backend is unreachable. The run halts.
	ConnectionLost Kind = "connection_lost"
)

// Error is an ingestion failure tied to one file and table.
type Error struct {
	Kind  Kind
	Op    string
	Path  string
	Table string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Path != "" {
		msg += " (" + e.Path
		if e.Table != "" {
			msg += " -> " + e.Table
		}
		msg += ")"
	} else if e.Table != "" {
		msg += " (" + e.Table + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain. Errors that were
// never classified are inferred: connection loss, schema conflicts and
// source errors are recognised, anything else is WriteFailed. nil and
// context errors return "".
func KindOf(err error) Kind {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return classify(err, WriteFailed)
}

// classify maps a raw error onto the taxonomy; def is used when nothing
// more specific matches. Reader failures are never upgraded to
// ConnectionLost: a truncated file can surface as io.ErrUnexpectedEOF or a
// network-looking error without the backend being involved.
func classify(err error, def Kind) Kind {
	switch {
	case def != SourceUnreadable && storage.IsConnectionLost(err):
		return ConnectionLost
	case errors.Is(err, schema.ErrConflict):
		return SchemaConflict
	case errors.Is(err, source.ErrUnsupportedFormat), errors.Is(err, source.ErrPartitionNotFound):
		return SourceUnreadable
	}
	return def
}

func wrap(kind Kind, op, path, table string, err error) *Error {
	if err == nil {
		return nil
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	return &Error{Kind: classify(err, kind), Op: op, Path: path, Table: table, Err: err}
}

func conflictf(path, table, format string, args ...any) *Error {
	return &Error{Kind: SchemaConflict, Op: "prepare", Path: path, Table: table, Err: fmt.Errorf(format, args...)}
}
