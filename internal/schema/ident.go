package schema

import (
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// ValidIdentifier reports whether name is a plain or dot-qualified SQL
// identifier that can be emitted unquoted (DB.SCHEMA.TABLE, col_1, ...).
func ValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if !identPattern.MatchString(part) {
			return false
		}
	}
	return true
}

// ValidColumnName reports whether name is a single unqualified identifier.
func ValidColumnName(name string) bool {
	return identPattern.MatchString(name)
}
