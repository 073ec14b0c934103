package naming

// reservedWords is the union of words SQLite, DuckDB, Postgres and SQL Server
// refuse (or misparse) as bare identifiers. Keys are upper case.
var reservedWords = func() map[string]struct{} {
	words := []string{
		"ADD", "ALL", "ALTER", "AND", "ANY", "AS", "ASC", "BETWEEN", "BY",
		"CASE", "CAST", "CHECK", "COLLATE", "COLUMN", "CONSTRAINT", "CREATE",
		"CROSS", "CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP",
		"CURRENT_USER", "DATABASE", "DEFAULT", "DELETE", "DESC", "DISTINCT",
		"DROP", "ELSE", "END", "ESCAPE", "EXCEPT", "EXEC", "EXISTS", "FALSE",
		"FETCH", "FOR", "FOREIGN", "FROM", "FULL", "GRANT", "GROUP", "HAVING",
		"IN", "INDEX", "INNER", "INSERT", "INTERSECT", "INTO", "IS", "JOIN",
		"KEY", "LEFT", "LIKE", "LIMIT", "NATURAL", "NOT", "NULL", "OFFSET",
		"ON", "OR", "ORDER", "OUTER", "PRIMARY", "REFERENCES", "RIGHT",
		"ROW", "ROWS", "SELECT", "SESSION_USER", "SET", "TABLE", "THEN", "TO",
		"TOP", "TRUE", "UNION", "UNIQUE", "UPDATE", "USER", "USING", "VALUES",
		"VIEW", "WHEN", "WHERE", "WINDOW", "WITH",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
