package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UpsertStyle is how a dialect expresses merge-by-key.
type UpsertStyle int

const (
	// UpsertMerge uses MERGE INTO ... USING (SELECT ...) AS src.
	UpsertMerge UpsertStyle = iota
	// UpsertOnConflict uses INSERT ... ON CONFLICT (...) DO UPDATE.
	UpsertOnConflict
)

// Dialect captures the SQL differences between supported target stores.
type Dialect struct {
	Name           string
	Upsert         UpsertStyle
	NumberedParams bool
	MaxParams      int
	// DistinctOp compares two values treating NULLs as equal.
	DistinctOp string
	// TimeAsText binds timestamps as fixed-width UTC text.
	TimeAsText bool
	// CastParams wraps source-row parameters in CAST(? AS type).
	CastParams bool
}

// SQLiteTimeLayout is fixed width so text comparison orders correctly.
const SQLiteTimeLayout = "2006-01-02 15:04:05.000000"

var (
	Snowflake = Dialect{
		Name:       "snowflake",
		Upsert:     UpsertMerge,
		MaxParams:  16384,
		DistinctOp: "IS DISTINCT FROM",
		CastParams: true,
	}
	Postgres = Dialect{
		Name:           "postgres",
		Upsert:         UpsertOnConflict,
		NumberedParams: true,
		MaxParams:      65535,
		DistinctOp:     "IS DISTINCT FROM",
	}
	SQLite = Dialect{
		Name:       "sqlite",
		Upsert:     UpsertOnConflict,
		MaxParams:  32766,
		DistinctOp: "IS NOT",
		TimeAsText: true,
	}
)

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "snowflake":
		return Snowflake, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Placeholder returns the n-th (1-based) bind parameter marker.
func (d Dialect) Placeholder(n int) string {
	if d.NumberedParams {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Bind converts a value to the form the driver expects.
func (d Dialect) Bind(v any) any {
	if t, ok := v.(time.Time); ok && d.TimeAsText {
		return t.UTC().Format(SQLiteTimeLayout)
	}
	return v
}

// Params numbers placeholders for a statement.
type Params struct {
	dialect Dialect
	args    []any
}

// NewParams starts an empty parameter list.
func (d Dialect) NewParams() *Params {
	return &Params{dialect: d}
}

// Add appends a value and returns its placeholder.
func (p *Params) Add(v any) string {
	p.args = append(p.args, p.dialect.Bind(v))
	return p.dialect.Placeholder(len(p.args))
}

// Args returns the bound values in order.
func (p *Params) Args() []any {
	return p.args
}
