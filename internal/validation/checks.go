// Package validation implements the null, type/digit and duplication checks
// run over a working batch before it is loaded.
package validation

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"odsflow/internal/batch"
	"odsflow/internal/schema"
)

// Kind is the class of a violation.
type Kind string

const (
	KindNull      Kind = "NULL"
	KindType      Kind = "TYPE"
	KindDuplicate Kind = "DUPLICATE"
)

// Result is one violation found on one row.
type Result struct {
	RowID  int    `json:"row_id"`
	Kind   Kind   `json:"violation_kind"`
	Column string `json:"column,omitempty"`
	Detail string `json:"detail"`
}

// Check is one validator. Checks never modify the batch.
type Check interface {
	Kind() Kind
	Check(d *schema.Descriptor, b *batch.Batch) []Result
}

// NullCheck flags non-nullable columns whose value is missing, NULL or
// blank.
type NullCheck struct{}

func (NullCheck) Kind() Kind { return KindNull }

func (NullCheck) Check(d *schema.Descriptor, b *batch.Batch) []Result {
	var out []Result
	for _, rec := range b.Records {
		for i := range d.Columns {
			col := &d.Columns[i]
			if col.Nullable {
				continue
			}
			v, ok := rec.Get(col.SourceColumn())
			if !ok || strings.TrimSpace(v) == "" {
				out = append(out, Result{
					RowID:  rec.RowID,
					Kind:   KindNull,
					Column: col.Name,
					Detail: fmt.Sprintf("%s is required", col.Name),
				})
			}
		}
	}
	return out
}

// TypeCheck flags values that do not parse under the declared column type,
// including precision/scale digit limits and text length bounds. Blank
// values are left to NullCheck.
type TypeCheck struct{}

func (TypeCheck) Kind() Kind { return KindType }

func (TypeCheck) Check(d *schema.Descriptor, b *batch.Batch) []Result {
	var out []Result
	for _, rec := range b.Records {
		for i := range d.Columns {
			col := &d.Columns[i]
			v, ok := rec.Get(col.SourceColumn())
			if !ok {
				continue
			}
			if err := col.Check(v); err != nil {
				out = append(out, Result{
					RowID:  rec.RowID,
					Kind:   KindType,
					Column: col.Name,
					Detail: fmt.Sprintf("%s %s: %v", col.Name, col.Spec().Name, err),
				})
			}
		}
	}
	return out
}

// DuplicateCheck flags every row whose unique key is shared with at least
// one other row in the batch.
type DuplicateCheck struct{}

func (DuplicateCheck) Kind() Kind { return KindDuplicate }

func (DuplicateCheck) Check(d *schema.Descriptor, b *batch.Batch) []Result {
	var out []Result
	for _, group := range DuplicateGroups(d, b) {
		for _, rowID := range group.RowIDs {
			out = append(out, Result{
				RowID:  rowID,
				Kind:   KindDuplicate,
				Detail: fmt.Sprintf("unique key (%s) occurs %d times", strings.Join(group.Key, ", "), len(group.RowIDs)),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out
}

// Group is a set of rows sharing one unique key.
type Group struct {
	Key    []string
	RowIDs []int
}

// DuplicateGroups returns the unique-key groups of size two or more, in
// order of first appearance. Key values are compared in their converted
// form so "01" and "1" collide on a NUMBER key. Rows with a NULL key part
// never match.
func DuplicateGroups(d *schema.Descriptor, b *batch.Batch) []Group {
	keyCols := d.KeyColumns()

	type bucket struct {
		encoded string
		group   *Group
	}
	buckets := make(map[uint64][]bucket, b.Len())
	var order []*Group

	for _, rec := range b.Records {
		key, encoded, ok := keyOf(keyCols, rec)
		if !ok {
			continue
		}
		h := xxh3.HashString(encoded)

		var found *Group
		for _, bk := range buckets[h] {
			if bk.encoded == encoded {
				found = bk.group
				break
			}
		}
		if found == nil {
			found = &Group{Key: key}
			buckets[h] = append(buckets[h], bucket{encoded: encoded, group: found})
			order = append(order, found)
		}
		found.RowIDs = append(found.RowIDs, rec.RowID)
	}

	var out []Group
	for _, g := range order {
		if len(g.RowIDs) > 1 {
			out = append(out, *g)
		}
	}
	return out
}

// keyOf builds the display key and a length-prefixed encoding of it.
func keyOf(cols []*schema.Column, rec *batch.Record) ([]string, string, bool) {
	key := make([]string, len(cols))
	var enc []byte
	for i, col := range cols {
		raw, ok := rec.Get(col.SourceColumn())
		if !ok || strings.TrimSpace(raw) == "" {
			return nil, "", false
		}
		v := strings.TrimSpace(raw)
		if conv, err := col.Convert(raw); err == nil && conv != nil {
			v = fmt.Sprint(conv)
		}
		key[i] = v
		enc = binary.AppendUvarint(enc, uint64(len(v)))
		enc = append(enc, v...)
	}
	return key, string(enc), true
}
