package shared

import (
	"fmt"
	"time"
)

const periodLayout = "2006-01"

// Period identifies one year-month settlement period, formatted "2006-01".
type Period string

// PeriodOf derives the period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.Format(periodLayout))
}

// ParsePeriod validates and returns a period value.
func ParsePeriod(s string) (Period, error) {
	if _, err := time.Parse(periodLayout, s); err != nil {
		return "", fmt.Errorf("shared: invalid period %q: %w", s, err)
	}
	return Period(s), nil
}

func (p Period) String() string {
	return string(p)
}

// Year returns the calendar year of the period, zero when invalid.
func (p Period) Year() int {
	t, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return 0
	}
	return t.Year()
}
