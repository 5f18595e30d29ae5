// Package batch holds the in-flight working batch of a pipeline run.
package batch

import (
	"fmt"
	"strings"
	"time"
)

// Origin identifies where a staged record came from.
type Origin struct {
	InterfaceID string
	FileName    string
	RowNumber   int64
}

// Record is one staged row. Values are raw strings or nil for SQL NULL,
// keyed by lower-case column name.
type Record struct {
	RowID  int
	Values map[string]any
	Origin Origin
}

// Get returns the raw value of col and whether it is non-NULL.
func (r *Record) Get(col string) (string, bool) {
	v, ok := r.Values[strings.ToLower(col)]
	if !ok || v == nil {
		return "", false
	}
	return v.(string), true
}

// Set stores a value, normalising it to a raw string or nil.
func (r *Record) Set(col string, v any) {
	r.Values[strings.ToLower(col)] = Raw(v)
}

// Raw converts a driver or decoded value to the raw form kept in a batch.
func Raw(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case []byte:
		return string(x)
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999999")
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}

// Batch is the ordered working batch of one run. Row ids are 1-based
// positions assigned at staging time and stay stable when rows are
// filtered out.
type Batch struct {
	columns []string
	index   map[string]bool
	Records []*Record
}

// New creates an empty batch with the given source columns.
func New(columns []string) *Batch {
	b := &Batch{index: make(map[string]bool, len(columns))}
	for _, c := range columns {
		b.AddColumn(c)
	}
	return b
}

// Columns returns the batch column names in order.
func (b *Batch) Columns() []string {
	out := make([]string, len(b.columns))
	copy(out, b.columns)
	return out
}

// AddColumn registers a column; existing records read it as NULL.
func (b *Batch) AddColumn(name string) {
	key := strings.ToLower(name)
	if b.index[key] {
		return
	}
	b.index[key] = true
	b.columns = append(b.columns, key)
}

// HasColumn reports whether the batch carries col.
func (b *Batch) HasColumn(col string) bool {
	return b.index[strings.ToLower(col)]
}

// Append adds a record built from values and returns it.
func (b *Batch) Append(values map[string]any, origin Origin) *Record {
	rec := &Record{
		RowID:  b.nextID(),
		Values: make(map[string]any, len(values)),
		Origin: origin,
	}
	for k, v := range values {
		b.AddColumn(k)
		rec.Set(k, v)
	}
	b.Records = append(b.Records, rec)
	return rec
}

func (b *Batch) nextID() int {
	if n := len(b.Records); n > 0 {
		return b.Records[n-1].RowID + 1
	}
	return 1
}

// Len returns the number of records. A nil batch has none.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Without returns a batch sharing records with b minus the given row ids.
func (b *Batch) Without(rowIDs map[int]bool) *Batch {
	out := &Batch{
		columns: b.Columns(),
		index:   make(map[string]bool, len(b.index)),
		Records: make([]*Record, 0, len(b.Records)),
	}
	for k := range b.index {
		out.index[k] = true
	}
	for _, rec := range b.Records {
		if !rowIDs[rec.RowID] {
			out.Records = append(out.Records, rec)
		}
	}
	return out
}

// Discard drops every record so the batch can be collected.
func (b *Batch) Discard() {
	b.Records = nil
}
