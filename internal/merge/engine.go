// Package merge applies a validated batch to the target table, either by
// merging on the unique key or by snapshot delete-then-insert.
package merge

import (
	"context"
	"fmt"
	"time"

	"odsflow/internal/batch"
	"odsflow/internal/observability"
	"odsflow/internal/schema"
	"odsflow/internal/store"
	"odsflow/internal/validation"
	apperrors "odsflow/pkg/errors"
)

// DefaultBatchSize is the number of rows per statement unless configured.
const DefaultBatchSize = 500

// Stats counts what a merge did to the target table.
type Stats struct {
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	Deleted   int64 `json:"deleted"`
}

// Engine writes clean batches with the statements of one dialect.
type Engine struct {
	dialect   store.Dialect
	batchSize int
	logger    *observability.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets the maximum rows per statement.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a merge engine for the given dialect.
func NewEngine(dialect store.Dialect, opts ...Option) *Engine {
	e := &Engine{
		dialect:   dialect,
		batchSize: DefaultBatchSize,
		logger:    observability.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply writes the clean batch according to the descriptor mode. at is the
// run timestamp stamped on every written row.
func (e *Engine) Apply(ctx context.Context, q store.Execer, d *schema.Descriptor, b *batch.Batch, at time.Time) (Stats, error) {
	if groups := validation.DuplicateGroups(d, b); len(groups) > 0 {
		return Stats{}, apperrors.MergeConflict(d.Table, groups[0].Key, groups[0].RowIDs)
	}

	rows, err := e.rows(d, b, at)
	if err != nil {
		return Stats{}, err
	}

	l := newLayout(d)
	if d.Mode == schema.ModeSnapshot {
		return e.snapshot(ctx, q, d, l, rows, at)
	}
	return e.merge(ctx, q, l, rows)
}

func (e *Engine) rows(d *schema.Descriptor, b *batch.Batch, at time.Time) ([]row, error) {
	out := make([]row, 0, b.Len())
	for _, rec := range b.Records {
		r := make(row, 0, len(d.Columns)+len(schema.LineageColumns))
		for i := range d.Columns {
			col := &d.Columns[i]
			raw, ok := rec.Get(col.SourceColumn())
			if !ok {
				r = append(r, nil)
				continue
			}
			v, err := col.Convert(raw)
			if err != nil {
				return nil, apperrors.New(apperrors.ErrCodeConversionFailed,
					fmt.Sprintf("row %d column %s: %v", rec.RowID, col.Name, err)).
					WithContext("table", d.Table).
					WithContext("row_id", rec.RowID)
			}
			r = append(r, v)
		}

		r = append(r,
			rec.Origin.InterfaceID,
			rec.Origin.FileName,
			rec.Origin.RowNumber,
			d.CreatedBy,
			at,
			at,
			at,
			d.ProcessID,
		)
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) chunks(l *layout, rows []row) [][]row {
	size := l.maxRowsPerStatement(e.dialect, e.batchSize)
	var out [][]row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

func (e *Engine) merge(ctx context.Context, q store.Execer, l *layout, rows []row) (Stats, error) {
	var stats Stats
	for _, chunk := range e.chunks(l, rows) {
		matched, err := e.countExisting(ctx, q, l, chunk)
		if err != nil {
			return stats, err
		}

		query, args := l.upsertSQL(e.dialect, chunk)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return stats, apperrors.SQLError("Merge statement failed", query, err).
				WithContext("table", l.table)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return stats, apperrors.SQLError("Could not read merge row count", query, err)
		}

		inserted := int64(len(chunk)) - matched
		updated := affected - inserted
		if updated < 0 {
			updated = 0
		}
		stats.Inserted += inserted
		stats.Updated += updated
		stats.Unchanged += matched - updated

		e.logger.DebugWithFields("merged chunk", map[string]interface{}{
			"table":    l.table,
			"rows":     len(chunk),
			"matched":  matched,
			"affected": affected,
		})
	}
	return stats, nil
}

func (e *Engine) countExisting(ctx context.Context, q store.Execer, l *layout, chunk []row) (int64, error) {
	query, args := l.existingSQL(e.dialect, chunk)
	rs, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.SQLError("Failed to look up existing keys", query, err).
			WithContext("table", l.table)
	}
	defer rs.Close()

	var n int64
	if rs.Next() {
		if err := rs.Scan(&n); err != nil {
			return 0, apperrors.SQLError("Failed to read existing key count", query, err)
		}
	}
	if err := rs.Err(); err != nil {
		return 0, apperrors.SQLError("Failed to read existing key count", query, err)
	}
	return n, nil
}

func (e *Engine) snapshot(ctx context.Context, q store.Execer, d *schema.Descriptor, l *layout, rows []row, at time.Time) (Stats, error) {
	var stats Stats

	horizon := d.Horizon(at)
	query, args := l.deleteSQL(e.dialect, horizon)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return stats, apperrors.SQLError("Snapshot delete failed", query, err).
			WithContext("table", l.table)
	}
	if stats.Deleted, err = res.RowsAffected(); err != nil {
		return stats, apperrors.SQLError("Could not read delete row count", query, err)
	}

	e.logger.DebugWithFields("expired snapshot rows", map[string]interface{}{
		"table":   l.table,
		"horizon": horizon.Format(time.RFC3339),
		"deleted": stats.Deleted,
	})

	for _, chunk := range e.chunks(l, rows) {
		query, args := l.insertSQL(e.dialect, chunk)
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return stats, apperrors.SQLError("Snapshot insert failed", query, err).
				WithContext("table", l.table)
		}
		stats.Inserted += int64(len(chunk))
	}
	return stats, nil
}

// Plan returns the statements a run would issue for a chunk of n rows.
func (e *Engine) Plan(d *schema.Descriptor, n int) []string {
	if n < 1 {
		n = 1
	}
	l := newLayout(d)
	if size := l.maxRowsPerStatement(e.dialect, e.batchSize); n > size {
		n = size
	}

	rows := make([]row, n)
	for i := range rows {
		rows[i] = make(row, len(l.columns))
	}

	if d.Mode == schema.ModeSnapshot {
		del, _ := l.deleteSQL(e.dialect, time.Time{})
		ins, _ := l.insertSQL(e.dialect, rows)
		return []string{del, ins}
	}
	existing, _ := l.existingSQL(e.dialect, rows)
	upsert, _ := l.upsertSQL(e.dialect, rows)
	return []string{existing, upsert}
}
