package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Retention is a rolling window for snapshot tables. Calendar units are
// kept apart from the fixed duration so "1mo" means one calendar month.
type Retention struct {
	Years    int
	Months   int
	Days     int
	Duration time.Duration
}

var retentionPattern = regexp.MustCompile(`^(\d+)\s*([a-z]+)$`)

// ParseRetention accepts Go durations ("720h") and calendar windows such
// as "30d", "2w", "1mo", "1 month" or "1y".
func ParseRetention(s string) (Retention, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Retention{}, fmt.Errorf("empty retention")
	}

	if m := retentionPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Retention{}, fmt.Errorf("invalid retention %q", s)
		}
		switch m[2] {
		case "d", "day", "days":
			return Retention{Days: n}, nil
		case "w", "week", "weeks":
			return Retention{Days: 7 * n}, nil
		case "mo", "month", "months":
			return Retention{Months: n}, nil
		case "y", "year", "years":
			return Retention{Years: n}, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return Retention{}, fmt.Errorf("invalid retention %q", s)
	}
	return Retention{Duration: d}, nil
}

// Horizon returns the oldest process_at a snapshot row may keep at now.
func (r Retention) Horizon(now time.Time) time.Time {
	return now.AddDate(-r.Years, -r.Months, -r.Days).Add(-r.Duration)
}

// Positive reports whether the window is non-empty.
func (r Retention) Positive() bool {
	return r.Years > 0 || r.Months > 0 || r.Days > 0 || r.Duration > 0
}

func (r Retention) String() string {
	var parts []string
	if r.Years > 0 {
		parts = append(parts, fmt.Sprintf("%dy", r.Years))
	}
	if r.Months > 0 {
		parts = append(parts, fmt.Sprintf("%dmo", r.Months))
	}
	if r.Days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", r.Days))
	}
	if r.Duration > 0 {
		parts = append(parts, r.Duration.String())
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, "")
}
