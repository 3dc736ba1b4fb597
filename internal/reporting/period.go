package reporting

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Epoch is the start of every all-time period.
var Epoch = time.Unix(0, 0).UTC()

// Period is the half-open interval [Start, End). A zero End is open-ended.
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthOf returns the calendar month containing t, in UTC.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Since returns the open-ended period starting at start.
func Since(start time.Time) Period {
	return Period{Start: start.UTC()}
}

// ParsePeriod parses two YYYY-MM-DD dates. The end date is inclusive.
func ParsePeriod(start, end string) (Period, error) {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return Period{}, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return Period{}, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if to.Before(from) {
		return Period{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return Period{Start: from, End: to.AddDate(0, 0, 1)}, nil
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	return p.End.IsZero() || t.Before(p.End)
}
