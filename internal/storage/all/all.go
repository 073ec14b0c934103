// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "bulkload/internal/storage/duckdb"
	_ "bulkload/internal/storage/mssql"
	_ "bulkload/internal/storage/postgres"
	_ "bulkload/internal/storage/sqlite"
)
