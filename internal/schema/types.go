package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the broad family of a declared column type.
type Kind string

const (
	KindNumber    Kind = "NUMBER"
	KindInteger   Kind = "INTEGER"
	KindFloat     Kind = "FLOAT"
	KindText      Kind = "TEXT"
	KindDate      Kind = "DATE"
	KindTimestamp Kind = "TIMESTAMP"
	KindBoolean   Kind = "BOOLEAN"
)

// AnyScale marks a NUMBER declared without an explicit scale.
const AnyScale = -1

const defaultPrecision = 38

// TypeSpec is a parsed column type declaration.
type TypeSpec struct {
	Kind      Kind
	Name      string
	Precision int
	Scale     int
	Length    int
}

var typePattern = regexp.MustCompile(`^([A-Z_]+)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?$`)

// ParseType parses declarations such as NUMBER(10,2), VARCHAR(20),
// TIMESTAMP_NTZ or BOOLEAN.
func ParseType(decl string) (TypeSpec, error) {
	m := typePattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(decl)))
	if m == nil {
		return TypeSpec{}, fmt.Errorf("unrecognized type %q", decl)
	}

	name := m[1]
	var args []int
	for _, a := range m[2:] {
		if a == "" {
			continue
		}
		n, err := strconv.Atoi(a)
		if err != nil {
			return TypeSpec{}, fmt.Errorf("invalid type argument in %q", decl)
		}
		args = append(args, n)
	}

	spec := TypeSpec{Name: name}
	switch name {
	case "NUMBER", "DECIMAL", "NUMERIC":
		spec.Kind = KindNumber
		spec.Precision, spec.Scale = defaultPrecision, AnyScale
		if len(args) >= 1 {
			spec.Precision, spec.Scale = args[0], 0
		}
		if len(args) == 2 {
			spec.Scale = args[1]
		}
		if spec.Precision < 1 || spec.Precision > defaultPrecision {
			return TypeSpec{}, fmt.Errorf("precision out of range in %q", decl)
		}
		if spec.Scale > spec.Precision {
			return TypeSpec{}, fmt.Errorf("scale exceeds precision in %q", decl)
		}
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "BYTEINT":
		spec.Kind = KindInteger
	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "REAL":
		spec.Kind = KindFloat
	case "VARCHAR", "CHAR", "CHARACTER", "STRING", "TEXT":
		spec.Kind = KindText
		if len(args) == 1 {
			spec.Length = args[0]
		} else if name == "CHAR" || name == "CHARACTER" {
			spec.Length = 1
		}
	case "DATE":
		spec.Kind = KindDate
	case "TIMESTAMP", "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "DATETIME":
		spec.Kind = KindTimestamp
	case "BOOLEAN", "BOOL":
		spec.Kind = KindBoolean
	default:
		return TypeSpec{}, fmt.Errorf("unsupported type %q", decl)
	}

	if len(args) > 0 && spec.Kind != KindNumber && spec.Kind != KindText && spec.Kind != KindTimestamp {
		return TypeSpec{}, fmt.Errorf("type %s takes no arguments", name)
	}
	if len(args) > 1 && spec.Kind != KindNumber {
		return TypeSpec{}, fmt.Errorf("type %s takes one argument", name)
	}

	return spec, nil
}

var numberPattern = regexp.MustCompile(`^[+-]?(\d*)(?:\.(\d*))?$`)

// checkNumber verifies a decimal literal against precision and scale and
// returns its canonical form.
func checkNumber(raw string, precision, scale int) (string, error) {
	m := numberPattern.FindStringSubmatch(raw)
	if m == nil || (m[1] == "" && m[2] == "") {
		return "", fmt.Errorf("%q is not a number", raw)
	}

	intPart := strings.TrimLeft(m[1], "0")
	fracPart := strings.TrimRight(m[2], "0")

	if scale != AnyScale {
		if len(fracPart) > scale {
			return "", fmt.Errorf("%q has %d fractional digits, at most %d allowed", raw, len(fracPart), scale)
		}
		if len(intPart) > precision-scale {
			return "", fmt.Errorf("%q has %d integer digits, at most %d allowed", raw, len(intPart), precision-scale)
		}
	} else if len(intPart)+len(fracPart) > precision {
		return "", fmt.Errorf("%q exceeds precision %d", raw, precision)
	}

	if intPart == "" {
		intPart = "0"
	}
	canonical := intPart
	if fracPart != "" {
		canonical += "." + fracPart
	}
	if strings.HasPrefix(raw, "-") && canonical != "0" {
		canonical = "-" + canonical
	}
	return canonical, nil
}

var boolValues = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "on": true, "1": true,
	"false": false, "f": false, "no": false, "n": false, "off": false, "0": false,
}

func parseBool(raw string) (bool, error) {
	v, ok := boolValues[strings.ToLower(raw)]
	if !ok {
		return false, fmt.Errorf("%q is not a boolean", raw)
	}
	return v, nil
}

// Check reports whether raw parses under the column's declared type. Blank
// values are accepted; nullability is checked separately.
func (c *Column) Check(raw string) error {
	_, err := c.Convert(raw)
	return err
}

// Convert turns a raw staged value into the value bound for the target
// column. Blank values convert to nil (SQL NULL). Numbers are returned in
// canonical decimal form, integers as int64, dates as YYYY-MM-DD strings
// and timestamps as UTC time.Time.
func (c *Column) Convert(raw string) (any, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, nil
	}

	switch c.spec.Kind {
	case KindNumber:
		return checkNumber(v, c.spec.Precision, c.spec.Scale)
	case KindInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a float", v)
		}
		return f, nil
	case KindText:
		if c.spec.Length > 0 && len([]rune(raw)) > c.spec.Length {
			return nil, fmt.Errorf("length %d exceeds %d", len([]rune(raw)), c.spec.Length)
		}
		return raw, nil
	case KindDate:
		t, err := time.Parse(c.layout, v)
		if err != nil {
			return nil, fmt.Errorf("%q does not match format %s", v, c.formatName())
		}
		return t.Format("2006-01-02"), nil
	case KindTimestamp:
		t, err := time.Parse(c.layout, v)
		if err != nil {
			return nil, fmt.Errorf("%q does not match format %s", v, c.formatName())
		}
		return t.UTC(), nil
	case KindBoolean:
		return parseBool(v)
	default:
		return raw, nil
	}
}

func (c *Column) formatName() string {
	if c.Format != "" {
		return c.Format
	}
	if c.spec.Kind == KindDate {
		return DefaultDateFormat
	}
	return DefaultTimestampFormat
}
