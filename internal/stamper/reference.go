package stamper

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"odsflow/internal/batch"
	"odsflow/internal/store"
	apperrors "odsflow/pkg/errors"
)

// Reference resolves descriptive attributes by join key.
type Reference interface {
	Lookup(ctx context.Context, q store.Execer, keys, attrs []string) (*Index, error)
	Name() string
}

// Index maps an encoded join key to the attribute values of the first
// reference row carrying it.
type Index struct {
	rows map[string][]any
	// Duplicates counts reference rows dropped because their key was
	// already indexed.
	Duplicates int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{rows: make(map[string][]any)}
}

// Add indexes attribute values under key unless the key is already
// present. It reports whether the values were kept.
func (ix *Index) Add(key []string, values []any) bool {
	k := encodeKey(key)
	if _, ok := ix.rows[k]; ok {
		ix.Duplicates++
		return false
	}
	ix.rows[k] = values
	return true
}

// Get returns the attribute values for key.
func (ix *Index) Get(key []string) ([]any, bool) {
	v, ok := ix.rows[encodeKey(key)]
	return v, ok
}

// Len returns the number of distinct keys.
func (ix *Index) Len() int {
	return len(ix.rows)
}

func encodeKey(parts []string) string {
	var buf []byte
	for _, p := range parts {
		buf = binary.AppendUvarint(buf, uint64(len(p)))
		buf = append(buf, p...)
	}
	return string(buf)
}

// TableReference reads attributes from a reference table in the target
// store, inside the run transaction.
type TableReference struct {
	table  string
	filter string
}

// NewTableReference creates a reference over table, optionally restricted
// by a SQL predicate.
func NewTableReference(table, filter string) *TableReference {
	return &TableReference{table: table, filter: filter}
}

// Name returns the reference table name.
func (r *TableReference) Name() string {
	return r.table
}

// Lookup loads the join keys and attributes of every reference row.
func (r *TableReference) Lookup(ctx context.Context, q store.Execer, keys, attrs []string) (*Index, error) {
	cols := append(append([]string{}, keys...), attrs...)
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), r.table)
	if strings.TrimSpace(r.filter) != "" {
		query += " WHERE " + r.filter
	}

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.ReferenceLookupError(r.table, "Reference query failed", err).
			WithContext("query", query)
	}
	defer rows.Close()

	ix := NewIndex()
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.ReferenceLookupError(r.table, "Failed to read reference row", err)
		}

		key := make([]string, len(keys))
		skip := false
		for i := range keys {
			v := batch.Raw(raw[i])
			if v == nil {
				skip = true
				break
			}
			key[i] = strings.TrimSpace(v.(string))
		}
		if skip {
			continue
		}

		values := make([]any, len(attrs))
		for i := range attrs {
			values[i] = batch.Raw(raw[len(keys)+i])
		}
		ix.Add(key, values)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.ReferenceLookupError(r.table, "Failed to read reference rows", err)
	}
	return ix, nil
}
