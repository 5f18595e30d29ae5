package schema

import (
	"fmt"
	"strings"
)

const (
	DefaultDateFormat      = "YYYY-MM-DD"
	DefaultTimestampFormat = "YYYY-MM-DD HH24:MI:SS"
)

// formatTokens maps warehouse date format elements to Go layout elements.
// Longer tokens come first so HH24 wins over HH and MON over MM.
var formatTokens = []struct {
	token  string
	layout string
}{
	{"YYYY", "2006"},
	{"HH24", "15"},
	{"HH12", "03"},
	{"TZH:TZM", "-07:00"},
	{"MON", "Jan"},
	{"DY", "Mon"},
	{"YY", "06"},
	{"MM", "01"},
	{"DD", "02"},
	{"HH", "03"},
	{"MI", "04"},
	{"SS", "05"},
	{"AM", "PM"},
	{"PM", "PM"},
}

// layoutFor translates a format such as "YYYY/MM/DD HH24:MI:SS.FF3" to a Go
// time layout. Fractional seconds (".FF", ".FF3") are dropped from the
// layout because time.Parse accepts them after the seconds field anyway.
func layoutFor(format string) (string, error) {
	var b strings.Builder
	s := format
	for len(s) > 0 {
		if strings.HasPrefix(s, ".FF") {
			s = s[3:]
			if len(s) > 0 && s[0] >= '0' && s[0] <= '9' {
				s = s[1:]
			}
			continue
		}
		if s[0] == '"' {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return "", fmt.Errorf("unterminated literal in format %q", format)
			}
			b.WriteString(s[1 : end+1])
			s = s[end+2:]
			continue
		}

		matched := false
		for _, tok := range formatTokens {
			if strings.HasPrefix(strings.ToUpper(s), tok.token) {
				b.WriteString(tok.layout)
				s = s[len(tok.token):]
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		switch c := s[0]; {
		case c == '-' || c == '/' || c == ':' || c == ' ' || c == '.' || c == ',' || c == 'T':
			b.WriteByte(c)
			s = s[1:]
		default:
			return "", fmt.Errorf("unsupported element %q in format %q", s, format)
		}
	}
	return b.String(), nil
}
