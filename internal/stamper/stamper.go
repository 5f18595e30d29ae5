// Package stamper joins descriptive reference attributes onto a batch.
package stamper

import (
	"context"
	"fmt"
	"strings"

	"odsflow/internal/batch"
	"odsflow/internal/observability"
	"odsflow/internal/schema"
	"odsflow/internal/store"
	apperrors "odsflow/pkg/errors"
)

// Stamper performs a left outer join of the batch against a reference.
// Unmatched rows are kept with the attribute columns set to NULL.
type Stamper struct {
	ref    Reference
	keys   []schema.JoinKey
	attrs  []schema.Attribute
	logger *observability.Logger
}

// New creates a stamper for a descriptor's reference binding. It returns
// nil when the descriptor has none.
func New(d *schema.Descriptor, logger *observability.Logger) *Stamper {
	if d.Reference == nil {
		return nil
	}
	return NewWithReference(NewTableReference(d.Reference.Table, d.Reference.Filter),
		d.Reference.Keys, d.Reference.Attributes, logger)
}

// NewWithReference creates a stamper over an arbitrary reference.
func NewWithReference(ref Reference, keys []schema.JoinKey, attrs []schema.Attribute, logger *observability.Logger) *Stamper {
	if logger == nil {
		logger = observability.GetDefaultLogger()
	}
	return &Stamper{ref: ref, keys: keys, attrs: attrs, logger: logger}
}

// Stamp adds the attribute columns to every record and returns the number
// of records that found a reference row.
func (s *Stamper) Stamp(ctx context.Context, q store.Execer, b *batch.Batch) (int, error) {
	if b.Len() == 0 {
		// Nothing arrived; a batch without rows may not know its columns.
		for _, a := range s.attrs {
			b.AddColumn(a.As)
		}
		return 0, nil
	}
	for _, k := range s.keys {
		if !b.HasColumn(k.Batch) {
			return 0, apperrors.ReferenceLookupError(s.ref.Name(),
				fmt.Sprintf("Join column %s is not in the staged batch", k.Batch), nil).
				WithContext("column", k.Batch)
		}
	}

	refKeys := make([]string, len(s.keys))
	for i, k := range s.keys {
		refKeys[i] = k.Reference
	}
	refAttrs := make([]string, len(s.attrs))
	for i, a := range s.attrs {
		refAttrs[i] = a.From
	}

	ix, err := s.ref.Lookup(ctx, q, refKeys, refAttrs)
	if err != nil {
		return 0, err
	}
	if ix.Duplicates > 0 {
		s.logger.WarnWithFields("reference has duplicate keys, first row wins", map[string]interface{}{
			"reference":  s.ref.Name(),
			"duplicates": ix.Duplicates,
		})
	}

	for _, a := range s.attrs {
		b.AddColumn(a.As)
	}

	matched := 0
	key := make([]string, len(s.keys))
	for _, rec := range b.Records {
		found := true
		for i, k := range s.keys {
			v, ok := rec.Get(k.Batch)
			if !ok {
				found = false
				break
			}
			key[i] = strings.TrimSpace(v)
		}

		var values []any
		if found {
			values, found = ix.Get(key)
		}
		if found {
			matched++
		}
		for i, a := range s.attrs {
			if found {
				rec.Set(a.As, values[i])
			} else {
				rec.Set(a.As, nil)
			}
		}
	}

	s.logger.DebugWithFields("stamped batch", map[string]interface{}{
		"reference": s.ref.Name(),
		"rows":      b.Len(),
		"matched":   matched,
	})
	return matched, nil
}
