package testutil

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a private in-memory database. A single connection keeps
// every statement, including those inside transactions, on the same
// database.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// Exec runs each statement and fails the test on the first error.
func Exec(t *testing.T, db *sql.DB, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to execute %q: %v", stmt, err)
		}
	}
}

// Dump returns every row of a table as strings, ordered by the given
// columns. NULL is rendered as "<nil>".
func Dump(t *testing.T, db *sql.DB, table string, columns []string, orderBy ...string) [][]string {
	t.Helper()
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), table)
	if len(orderBy) > 0 {
		query += " ORDER BY " + strings.Join(orderBy, ", ")
	}

	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("Failed to query %s: %v", table, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("Failed to scan %s: %v", table, err)
		}

		line := make([]string, len(columns))
		for i, v := range values {
			switch x := v.(type) {
			case nil:
				line[i] = "<nil>"
			case []byte:
				line[i] = string(x)
			default:
				line[i] = fmt.Sprint(x)
			}
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("Failed to read %s: %v", table, err)
	}
	return out
}

// Count returns the number of rows matching an optional WHERE clause.
func Count(t *testing.T, db *sql.DB, table, where string, args ...any) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}

// TargetDDL renders a CREATE TABLE for a target with the given data
// columns followed by the lineage columns. Data columns are TEXT; key
// columns form a UNIQUE constraint when given.
func TargetDDL(table string, columns []string, key []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (", table)
	for _, c := range columns {
		fmt.Fprintf(&b, "%s TEXT, ", c)
	}
	b.WriteString("if_id TEXT, if_file_name TEXT, if_row_number INTEGER, created_by TEXT, " +
		"create_at TEXT, update_at TEXT, process_at TEXT, process_id TEXT")
	if len(key) > 0 {
		fmt.Fprintf(&b, ", UNIQUE (%s)", strings.Join(key, ", "))
	}
	b.WriteString(")")
	return b.String()
}
