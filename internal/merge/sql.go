package merge

import (
	"fmt"
	"strings"

	"odsflow/internal/schema"
	"odsflow/internal/store"
)

// row is one clean record converted to bind values, in target column order.
type row []any

// layout is the ordered target column list of a descriptor.
type layout struct {
	table    string
	columns  []string
	types    []string // CAST type per column, "" for none
	keys     []string
	update   []string // columns set when a matched row changes
	compare  []string // columns whose change triggers an update
	keyIndex []int
}

// castType renders a parsed column type for CAST(? AS ...).
func castType(spec schema.TypeSpec) string {
	switch spec.Kind {
	case schema.KindNumber:
		if spec.Scale == schema.AnyScale {
			return "NUMBER"
		}
		return fmt.Sprintf("NUMBER(%d,%d)", spec.Precision, spec.Scale)
	case schema.KindInteger:
		return "INTEGER"
	case schema.KindFloat:
		return "FLOAT"
	case schema.KindText:
		if spec.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", spec.Length)
		}
		return "VARCHAR"
	case schema.KindDate:
		return "DATE"
	case schema.KindTimestamp:
		return "TIMESTAMP_NTZ"
	case schema.KindBoolean:
		return "BOOLEAN"
	}
	return ""
}

func newLayout(d *schema.Descriptor) *layout {
	l := &layout{table: d.Table}

	for i := range d.Columns {
		col := &d.Columns[i]
		l.columns = append(l.columns, col.Name)
		l.types = append(l.types, castType(col.Spec()))
		if !d.IsKey(col.Name) {
			l.update = append(l.update, col.Name)
			l.compare = append(l.compare, col.Name)
		}
	}
	for _, k := range d.KeyColumns() {
		l.keys = append(l.keys, k.Name)
		for i, c := range l.columns {
			if c == k.Name {
				l.keyIndex = append(l.keyIndex, i)
			}
		}
	}

	lineageTypes := map[string]string{
		schema.ColIfID:        "VARCHAR",
		schema.ColIfFileName:  "VARCHAR",
		schema.ColIfRowNumber: "INTEGER",
		schema.ColCreatedBy:   "VARCHAR",
		schema.ColCreateAt:    "TIMESTAMP_NTZ",
		schema.ColUpdateAt:    "TIMESTAMP_NTZ",
		schema.ColProcessAt:   "TIMESTAMP_NTZ",
		schema.ColProcessID:   "VARCHAR",
	}
	for _, c := range schema.LineageColumns {
		l.columns = append(l.columns, c)
		l.types = append(l.types, lineageTypes[c])
	}

	origin := []string{schema.ColIfID, schema.ColIfFileName, schema.ColIfRowNumber}
	l.compare = append(l.compare, origin...)
	l.update = append(l.update, origin...)
	l.update = append(l.update, schema.ColUpdateAt, schema.ColProcessAt, schema.ColProcessID)
	return l
}

// maxRowsPerStatement bounds a chunk by the dialect parameter limit.
func (l *layout) maxRowsPerStatement(d store.Dialect, batchSize int) int {
	n := batchSize
	if perRow := len(l.columns); perRow > 0 && d.MaxParams > 0 {
		if limit := d.MaxParams / perRow; limit < n {
			n = limit
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (l *layout) param(p *store.Params, d store.Dialect, i int, v any) string {
	ph := p.Add(v)
	if d.CastParams && l.types[i] != "" {
		return fmt.Sprintf("CAST(%s AS %s)", ph, l.types[i])
	}
	return ph
}

// upsertSQL builds one merge-by-key statement for the given rows.
func (l *layout) upsertSQL(d store.Dialect, rows []row) (string, []any) {
	if d.Upsert == store.UpsertMerge {
		return l.mergeSQL(d, rows)
	}
	return l.onConflictSQL(d, rows)
}

// mergeSQL renders MERGE INTO ... USING (SELECT ... UNION ALL ...).
func (l *layout) mergeSQL(d store.Dialect, rows []row) (string, []any) {
	p := d.NewParams()
	var b strings.Builder

	fmt.Fprintf(&b, "MERGE INTO %s AS tgt USING (", l.table)
	for r, values := range rows {
		if r > 0 {
			b.WriteString(" UNION ALL ")
		}
		b.WriteString("SELECT ")
		for i, v := range values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(l.param(p, d, i, v))
			if r == 0 {
				b.WriteString(" AS ")
				b.WriteString(l.columns[i])
			}
		}
	}
	b.WriteString(") AS src ON ")

	for i, k := range l.keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", k, k)
	}

	b.WriteString(" WHEN MATCHED AND (")
	for i, c := range l.compare {
		if i > 0 {
			b.WriteString(" OR ")
		}
		fmt.Fprintf(&b, "tgt.%s %s src.%s", c, d.DistinctOp, c)
	}
	b.WriteString(") THEN UPDATE SET ")
	for i, c := range l.update {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = src.%s", c, c)
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(strings.Join(l.columns, ", "))
	b.WriteString(") VALUES (")
	for i, c := range l.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src.")
		b.WriteString(c)
	}
	b.WriteString(")")

	return b.String(), p.Args()
}

// onConflictSQL renders INSERT ... ON CONFLICT (...) DO UPDATE ... WHERE.
func (l *layout) onConflictSQL(d store.Dialect, rows []row) (string, []any) {
	p := d.NewParams()
	var b strings.Builder

	l.writeInsert(&b, p, d, rows, "tgt")

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(l.keys, ", "))
	for i, c := range l.update {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", c, c)
	}

	b.WriteString(" WHERE ")
	for i, c := range l.compare {
		if i > 0 {
			b.WriteString(" OR ")
		}
		fmt.Fprintf(&b, "tgt.%s %s excluded.%s", c, d.DistinctOp, c)
	}

	return b.String(), p.Args()
}

// insertSQL renders a multi-row INSERT used by snapshot mode.
func (l *layout) insertSQL(d store.Dialect, rows []row) (string, []any) {
	p := d.NewParams()
	var b strings.Builder
	l.writeInsert(&b, p, d, rows, "")
	return b.String(), p.Args()
}

func (l *layout) writeInsert(b *strings.Builder, p *store.Params, d store.Dialect, rows []row, alias string) {
	b.WriteString("INSERT INTO ")
	b.WriteString(l.table)
	if alias != "" {
		b.WriteString(" AS ")
		b.WriteString(alias)
	}
	fmt.Fprintf(b, " (%s) VALUES ", strings.Join(l.columns, ", "))
	for r, values := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for i, v := range values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(l.param(p, d, i, v))
		}
		b.WriteString(")")
	}
}

// existingSQL selects which of the given keys are already in the target.
func (l *layout) existingSQL(d store.Dialect, rows []row) (string, []any) {
	p := d.NewParams()
	var b strings.Builder

	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s WHERE ", l.table)
	for r, values := range rows {
		if r > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for i, k := range l.keys {
			if i > 0 {
				b.WriteString(" AND ")
			}
			fmt.Fprintf(&b, "%s = %s", k, l.param(p, d, l.keyIndex[i], values[l.keyIndex[i]]))
		}
		b.WriteString(")")
	}
	return b.String(), p.Args()
}

// deleteSQL removes snapshot rows older than the horizon.
func (l *layout) deleteSQL(d store.Dialect, horizon any) (string, []any) {
	p := d.NewParams()
	query := fmt.Sprintf("DELETE FROM %s WHERE %s < %s", l.table, schema.ColProcessAt, p.Add(horizon))
	return query, p.Args()
}
