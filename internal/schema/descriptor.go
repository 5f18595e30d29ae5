package schema

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "odsflow/pkg/errors"
)

// Mode selects how a clean batch is applied to the target table.
type Mode string

const (
	ModeMerge    Mode = "merge"
	ModeSnapshot Mode = "snapshot"
)

// Policy decides what a validation violation does to the run.
type Policy string

const (
	PolicyAbort  Policy = "abort"
	PolicyFilter Policy = "filter"
)

// SourceKind selects the staging source implementation.
type SourceKind string

const (
	SourceTable SourceKind = "table"
	SourceFile  SourceKind = "file"
)

// Lineage columns written on every target record.
const (
	ColIfID        = "if_id"
	ColIfFileName  = "if_file_name"
	ColIfRowNumber = "if_row_number"
	ColCreatedBy   = "created_by"
	ColCreateAt    = "create_at"
	ColUpdateAt    = "update_at"
	ColProcessAt   = "process_at"
	ColProcessID   = "process_id"
)

// LineageColumns lists the lineage columns in target column order.
var LineageColumns = []string{
	ColIfID, ColIfFileName, ColIfRowNumber,
	ColCreatedBy, ColCreateAt, ColUpdateAt, ColProcessAt, ColProcessID,
}

// Column describes one target column.
type Column struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
	Format   string `yaml:"format,omitempty"`
	// Source names the batch column feeding this column when it differs.
	Source string `yaml:"source,omitempty"`

	spec   TypeSpec
	layout string
}

// UnmarshalYAML makes columns nullable unless stated otherwise.
func (c *Column) UnmarshalYAML(value *yaml.Node) error {
	type plain Column
	p := plain{Nullable: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Column(p)
	return nil
}

// SourceColumn is the batch column read for this target column.
func (c *Column) SourceColumn() string {
	if c.Source != "" {
		return c.Source
	}
	return c.Name
}

// Spec returns the parsed type. Only valid after Descriptor.Validate.
func (c *Column) Spec() TypeSpec {
	return c.spec
}

func (c *Column) compile() error {
	spec, err := ParseType(c.Type)
	if err != nil {
		return err
	}
	c.spec = spec

	switch spec.Kind {
	case KindDate, KindTimestamp:
		format := c.Format
		if format == "" {
			format = DefaultDateFormat
			if spec.Kind == KindTimestamp {
				format = DefaultTimestampFormat
			}
		}
		layout, err := layoutFor(format)
		if err != nil {
			return err
		}
		c.layout = layout
	default:
		if c.Format != "" {
			return fmt.Errorf("format is only allowed on date and timestamp columns")
		}
	}
	return nil
}

// SourceSpec binds a pipeline to its staging source.
type SourceSpec struct {
	Kind SourceKind `yaml:"kind"`

	// table sources
	Table           string `yaml:"table,omitempty"`
	Filter          string `yaml:"filter,omitempty"`
	// Materialize names a work table the matching rows are copied into.
	// Only the columns it declares are copied.
	Materialize     string `yaml:"materialize,omitempty"`
	IDColumn        string `yaml:"id_column,omitempty"`
	FileNameColumn  string `yaml:"file_name_column,omitempty"`
	RowNumberColumn string `yaml:"row_number_column,omitempty"`

	// file sources
	Dir       string            `yaml:"dir,omitempty"`
	Pattern   string            `yaml:"pattern,omitempty"`
	Delimiter string            `yaml:"delimiter,omitempty"`
	NoHeader  bool              `yaml:"no_header,omitempty"`
	Encoding  string            `yaml:"encoding,omitempty"`
	Columns   []string          `yaml:"columns,omitempty"`
	Where     map[string]string `yaml:"where,omitempty"`

	// InterfaceID is stamped as if_id when the source carries none.
	InterfaceID string `yaml:"interface_id,omitempty"`
}

// JoinKey pairs a batch column with a reference table column.
type JoinKey struct {
	Batch     string `yaml:"batch"`
	Reference string `yaml:"reference"`
}

// Attribute copies a reference column onto the batch under a new name.
type Attribute struct {
	From string `yaml:"from"`
	As   string `yaml:"as"`
}

// ReferenceSpec binds a pipeline to the reference table used for stamping.
type ReferenceSpec struct {
	Table      string      `yaml:"table"`
	Keys       []JoinKey   `yaml:"keys"`
	Attributes []Attribute `yaml:"attributes"`
	Filter     string      `yaml:"filter,omitempty"`
}

// Descriptor is the declarative definition of one pipeline: the target
// table, its columns and unique key, and how it is sourced and loaded.
type Descriptor struct {
	Name       string         `yaml:"name"`
	Table      string         `yaml:"table"`
	Columns    []Column       `yaml:"columns"`
	UniqueKey  []string       `yaml:"unique_key"`
	Mode       Mode           `yaml:"mode,omitempty"`
	Retention  string         `yaml:"retention,omitempty"`
	Policy     Policy         `yaml:"policy,omitempty"`
	ProcessID  string         `yaml:"process_id,omitempty"`
	CreatedBy  string         `yaml:"created_by,omitempty"`
	Source     SourceSpec     `yaml:"source"`
	Reference  *ReferenceSpec `yaml:"reference,omitempty"`

	retention Retention
	byName    map[string]int
}

// Validate checks the descriptor, fills in defaults and compiles column
// types. It must be called before a descriptor is used by a run.
func (d *Descriptor) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return apperrors.DescriptorError(d.Table, fmt.Sprintf(format, args...)).
			WithContext("pipeline", d.Name)
	}

	if !ValidIdentifier(d.Table) {
		return fail("invalid table name %q", d.Table)
	}
	if d.Name == "" {
		d.Name = strings.ToLower(d.Table)
	}
	if len(d.Columns) == 0 {
		return fail("no columns declared")
	}

	reserved := make(map[string]bool, len(LineageColumns))
	for _, name := range LineageColumns {
		reserved[name] = true
	}

	d.byName = make(map[string]int, len(d.Columns))
	for i := range d.Columns {
		col := &d.Columns[i]
		if !ValidColumnName(col.Name) {
			return fail("invalid column name %q", col.Name)
		}
		if reserved[strings.ToLower(col.Name)] {
			return fail("column %q is a lineage column and is written by the engine", col.Name)
		}
		key := strings.ToLower(col.Name)
		if _, dup := d.byName[key]; dup {
			return fail("column %q declared twice", col.Name)
		}
		if err := col.compile(); err != nil {
			return fail("column %s: %v", col.Name, err)
		}
		d.byName[key] = i
	}

	if len(d.UniqueKey) == 0 {
		return fail("unique_key is required")
	}
	seen := make(map[string]bool, len(d.UniqueKey))
	for _, k := range d.UniqueKey {
		col := d.Column(k)
		if col == nil {
			return fail("unique key column %q is not declared", k)
		}
		if col.Nullable {
			return fail("unique key column %q must be declared nullable: false", k)
		}
		if seen[strings.ToLower(k)] {
			return fail("unique key column %q listed twice", k)
		}
		seen[strings.ToLower(k)] = true
	}

	switch d.Mode {
	case "":
		d.Mode = ModeMerge
	case ModeMerge, ModeSnapshot:
	default:
		return fail("unknown mode %q", d.Mode)
	}
	if d.Mode == ModeSnapshot {
		r, err := ParseRetention(d.Retention)
		if err != nil || !r.Positive() {
			return fail("snapshot mode needs a positive retention, got %q", d.Retention)
		}
		d.retention = r
	}

	switch d.Policy {
	case "":
		d.Policy = PolicyAbort
	case PolicyAbort, PolicyFilter:
	default:
		return fail("unknown policy %q", d.Policy)
	}

	if d.ProcessID == "" {
		d.ProcessID = d.Name
	}
	if d.CreatedBy == "" {
		d.CreatedBy = "odsflow"
	}

	if err := d.validateSource(); err != nil {
		return fail("source: %v", err)
	}
	if d.Reference != nil {
		if err := d.Reference.validate(); err != nil {
			return fail("reference: %v", err)
		}
	}
	return nil
}

func (d *Descriptor) validateSource() error {
	s := &d.Source
	switch s.Kind {
	case SourceTable:
		if !ValidIdentifier(s.Table) {
			return fmt.Errorf("invalid staging table %q", s.Table)
		}
		if s.Materialize != "" && !ValidIdentifier(s.Materialize) {
			return fmt.Errorf("invalid materialize table %q", s.Materialize)
		}
		for _, c := range []string{s.IDColumn, s.FileNameColumn, s.RowNumberColumn} {
			if c != "" && !ValidColumnName(c) {
				return fmt.Errorf("invalid lineage column %q", c)
			}
		}
	case SourceFile:
		if s.Dir == "" {
			return fmt.Errorf("dir is required for file sources")
		}
		if s.Pattern == "" {
			s.Pattern = "*.csv"
		}
		if s.Delimiter == "" {
			s.Delimiter = ","
		}
		if len([]rune(s.Delimiter)) != 1 {
			return fmt.Errorf("delimiter must be a single character")
		}
		switch strings.ToLower(s.Encoding) {
		case "", "utf-8", "utf8", "shift_jis", "sjis", "utf-16", "utf16":
		default:
			return fmt.Errorf("unsupported encoding %q", s.Encoding)
		}
		if s.NoHeader && len(s.Columns) == 0 {
			return fmt.Errorf("columns are required when the files have no header")
		}
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}

func (r *ReferenceSpec) validate() error {
	if !ValidIdentifier(r.Table) {
		return fmt.Errorf("invalid table %q", r.Table)
	}
	if len(r.Keys) == 0 {
		return fmt.Errorf("at least one join key is required")
	}
	for _, k := range r.Keys {
		if !ValidColumnName(k.Batch) || !ValidColumnName(k.Reference) {
			return fmt.Errorf("invalid join key %s=%s", k.Batch, k.Reference)
		}
	}
	if len(r.Attributes) == 0 {
		return fmt.Errorf("at least one attribute is required")
	}
	for i := range r.Attributes {
		a := &r.Attributes[i]
		if a.As == "" {
			a.As = a.From
		}
		if !ValidColumnName(a.From) || !ValidColumnName(a.As) {
			return fmt.Errorf("invalid attribute %s as %s", a.From, a.As)
		}
	}
	return nil
}

// Column looks a column up by name, case-insensitively.
func (d *Descriptor) Column(name string) *Column {
	if d.byName == nil {
		for i := range d.Columns {
			if strings.EqualFold(d.Columns[i].Name, name) {
				return &d.Columns[i]
			}
		}
		return nil
	}
	i, ok := d.byName[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return &d.Columns[i]
}

// KeyColumns returns the unique key columns in declared order.
func (d *Descriptor) KeyColumns() []*Column {
	cols := make([]*Column, 0, len(d.UniqueKey))
	for _, k := range d.UniqueKey {
		if c := d.Column(k); c != nil {
			cols = append(cols, c)
		}
	}
	return cols
}

// IsKey reports whether the column is part of the unique key.
func (d *Descriptor) IsKey(name string) bool {
	for _, k := range d.UniqueKey {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// RetentionWindow returns the parsed snapshot retention.
func (d *Descriptor) RetentionWindow() Retention {
	return d.retention
}

// Horizon is the snapshot cut-off for a run started at now.
func (d *Descriptor) Horizon(now time.Time) time.Time {
	return d.retention.Horizon(now)
}
