package register

import (
	"time"
)

// DateLayout is the wire and storage format of business dates.
const DateLayout = "2006-01-02"

// BusinessDate returns the calendar date of t in loc, as midnight UTC.
// All stores compare business dates in this normalized form.
func BusinessDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD business date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, invalid("data", "expected YYYY-MM-DD")
	}
	return t, nil
}

// DateRange is an inclusive range of business dates.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Day returns the range covering a single business date.
func Day(d time.Time) DateRange { return DateRange{From: d, To: d} }

// Contains reports whether business date d falls inside the range.
func (r DateRange) Contains(d time.Time) bool {
	return !d.Before(r.From) && !d.After(r.To)
}
