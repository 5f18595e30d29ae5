package staging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"odsflow/internal/batch"
	"odsflow/internal/schema"
	"odsflow/internal/store"
	apperrors "odsflow/pkg/errors"
)

// TableSource reads a staging table or stream inside the run transaction.
//
// When Materialize is set the matching rows are first copied into that work
// table and read back from it. On Snowflake this consumes the stream offset
// as part of the same transaction, so a rolled back run leaves the stream
// untouched.
type TableSource struct {
	table       string
	materialize string
	idColumn    string
	fileColumn  string
	rowColumn   string
	interfaceID string
}

// NewTableSource creates a table source for the descriptor's binding.
func NewTableSource(d *schema.Descriptor) *TableSource {
	s := d.Source
	return &TableSource{
		table:       s.Table,
		materialize: s.Materialize,
		idColumn:    lowerOr(s.IDColumn, schema.ColIfID),
		fileColumn:  lowerOr(s.FileNameColumn, schema.ColIfFileName),
		rowColumn:   lowerOr(s.RowNumberColumn, schema.ColIfRowNumber),
		interfaceID: interfaceID(d),
	}
}

func lowerOr(v, def string) string {
	if v == "" {
		return def
	}
	return strings.ToLower(v)
}

// Name returns the staging table name.
func (s *TableSource) Name() string {
	return s.table
}

func where(filter Filter) string {
	if strings.TrimSpace(filter.Where) == "" {
		return ""
	}
	return " WHERE " + filter.Where
}

// Fetch reads every matching row of the staging table.
func (s *TableSource) Fetch(ctx context.Context, q store.Execer, filter Filter) (*batch.Batch, error) {
	from := s.table
	if s.materialize != "" {
		cols, err := s.workColumns(ctx, q)
		if err != nil {
			return nil, err
		}
		list := strings.Join(cols, ", ")
		stmts := []string{
			fmt.Sprintf("DELETE FROM %s", s.materialize),
			fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s%s", s.materialize, list, list, s.table, where(filter)),
		}
		for _, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return nil, apperrors.SourceUnavailable(s.table, err).WithContext("query", stmt)
			}
		}
		from = s.materialize
		filter.Where = ""
	}

	query := fmt.Sprintf("SELECT * FROM %s%s", from, where(filter))
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.SourceUnavailable(s.table, err).WithContext("query", query)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, apperrors.SourceUnavailable(s.table, err)
	}
	for i := range names {
		names[i] = strings.ToLower(names[i])
	}

	b := batch.New(names)
	raw := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	position := int64(0)
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.SourceUnavailable(s.table, err)
		}
		position++

		values := make(map[string]any, len(names))
		for i, name := range names {
			values[name] = batch.Raw(raw[i])
		}
		if !matches(values, filter.Match) {
			continue
		}
		b.Append(values, s.origin(values, position))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.SourceUnavailable(s.table, err)
	}
	return b, nil
}

// workColumns lists the columns the work table declares. Only those are
// copied, so stream metadata columns such as METADATA$ACTION stay behind
// unless the work table asks for them.
func (s *TableSource) workColumns(ctx context.Context, q store.Execer) ([]string, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", s.materialize)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.SourceUnavailable(s.table, err).WithContext("query", query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperrors.SourceUnavailable(s.table, err)
	}
	if len(cols) == 0 {
		return nil, apperrors.SourceUnavailable(s.table, fmt.Errorf("work table %s has no columns", s.materialize))
	}
	return cols, nil
}

// origin reads lineage carried by the staging row, falling back to the
// interface id, the staging table name and the read position.
func (s *TableSource) origin(values map[string]any, position int64) batch.Origin {
	o := batch.Origin{
		InterfaceID: s.interfaceID,
		FileName:    s.table,
		RowNumber:   position,
	}
	if v, ok := values[s.idColumn].(string); ok && v != "" {
		o.InterfaceID = v
	}
	if v, ok := values[s.fileColumn].(string); ok && v != "" {
		o.FileName = v
	}
	if v, ok := values[s.rowColumn].(string); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			o.RowNumber = n
		}
	}
	return o
}
