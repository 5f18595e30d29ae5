// Package staging loads the raw records of a run into a working batch.
package staging

import (
	"context"
	"fmt"
	"strings"

	"odsflow/internal/batch"
	"odsflow/internal/schema"
	"odsflow/internal/store"
)

// Filter selects which staged records belong to a run.
type Filter struct {
	// Where is a SQL predicate applied by table sources.
	Where string
	// Match keeps only records whose columns equal the given raw values.
	Match map[string]string
}

// Source materialises the matching staged records of one pipeline.
type Source interface {
	Fetch(ctx context.Context, q store.Execer, filter Filter) (*batch.Batch, error)
	Name() string
}

// FilterFor builds the filter declared by a descriptor's source binding.
func FilterFor(d *schema.Descriptor) Filter {
	f := Filter{Where: d.Source.Filter}
	if len(d.Source.Where) > 0 {
		f.Match = make(map[string]string, len(d.Source.Where))
		for col, v := range d.Source.Where {
			f.Match[strings.ToLower(col)] = v
		}
	}
	return f
}

// New returns the source a descriptor is bound to.
func New(d *schema.Descriptor) (Source, error) {
	switch d.Source.Kind {
	case schema.SourceTable:
		return NewTableSource(d), nil
	case schema.SourceFile:
		return NewFileSource(d), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", d.Source.Kind)
	}
}

func interfaceID(d *schema.Descriptor) string {
	if d.Source.InterfaceID != "" {
		return d.Source.InterfaceID
	}
	return d.Name
}

func matches(values map[string]any, match map[string]string) bool {
	for col, want := range match {
		got, ok := values[col]
		if !ok || got == nil || got.(string) != want {
			return false
		}
	}
	return true
}
