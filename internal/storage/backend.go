package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bulkload/internal/record"
)

// Config is the minimal configuration needed to open a Backend.
//
// When to use:
//   - Use Config when constructing a Backend via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//     An empty DSN means "in-memory" for duckdb and sqlite.
//
// Errors:
//   - Open returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Column is one column of a live table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result is what Execute returns: rows for queries, RowsAffected otherwise.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
}

// Backend is the SQL surface the ingestion engine consumes.
//
// IMPORTANT: This interface is intentionally minimal. The engine never
// depends on backend-specific SQL beyond these primitives, the Dialect
// description, and the identifier quoting fallback (see ExecIdent).
//
// Implementations are not required to be safe for concurrent writers; the
// engine drives one backend from a single worker.
type Backend interface {
	// Kind is the registry key the backend was opened under.
	Kind() string

	// Dialect describes identifier quoting, the loosest text type, and
	// optional native bulk-load support.
	Dialect() Dialect

	// Execute runs one statement. Statements that return rows (SELECT, WITH,
	// PRAGMA, DESCRIBE, ...) fill Result.Rows; others fill RowsAffected.
	Execute(ctx context.Context, stmt string, args ...any) (Result, error)

	// TableExists reports whether a table with this name (case-insensitive)
	// exists in the backend's default schema.
	TableExists(ctx context.Context, name string) (bool, error)

	// DescribeTable returns the live columns in ordinal order.
	DescribeTable(ctx context.Context, name string) ([]Column, error)

	// DropTable drops the table if it exists.
	DropTable(ctx context.Context, name string) error

	// CreateTableFromRows creates the table with the given columns and inserts
	// rows, atomically where the backend supports transactional DDL. rows may be
	// empty.
	CreateTableFromRows(ctx context.Context, name string, cols []Column, rows []record.Row) (int64, error)

	// InsertRows inserts rows (aligned to columns) as one bulk operation.
	InsertRows(ctx context.Context, name string, columns []string, rows []record.Row) (int64, error)

	// Close releases backend resources. The ingestion engine never calls it;
	// the owner of the connection does.
	Close() error
}

type factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "duckdb", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Backend using the registered factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
