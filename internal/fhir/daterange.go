package fhir

import (
	"fmt"
	"strings"
	"time"
)

// DateRange is the closed interval a FHIR date value denotes at its
// precision: "1990" covers the whole calendar year, "1990-03" the month,
// "1990-03-05" the day, and an instant covers itself. Storing every indexed
// date as [Start, End] turns equality into interval containment and removes
// per-query branching on precision.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether other lies fully within r.
func (r DateRange) Contains(other DateRange) bool {
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

// Overlaps reports whether the two ranges share any instant.
func (r DateRange) Overlaps(other DateRange) bool {
	return !r.Start.After(other.End) && !r.End.Before(other.Start)
}

// Widen expands the range by fraction of its span on both ends, with a one
// day floor so instant queries still get a usable approximation window.
func (r DateRange) Widen(fraction float64) DateRange {
	span := r.End.Sub(r.Start)
	delta := time.Duration(float64(span) * fraction)
	if day := 24 * time.Hour; delta < day {
		delta = day
	}
	return DateRange{Start: r.Start.Add(-delta), End: r.End.Add(delta)}
}

// dateLayouts pairs each accepted layout with the truncation unit that
// yields the implicit range end.
var dateLayouts = []struct {
	layout string
	hasTZ  bool
	span   func(t time.Time) time.Time
}{
	{"2006", false, func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	{"2006-01", false, func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006-01-02", false, func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01-02T15:04", false, func(t time.Time) time.Time { return t.Add(time.Minute) }},
	{"2006-01-02T15:04Z07:00", true, func(t time.Time) time.Time { return t.Add(time.Minute) }},
	{"2006-01-02T15:04:05", false, func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04:05Z07:00", true, func(t time.Time) time.Time { return t.Add(time.Second) }},
}

// ParseDateRange parses a FHIR date/dateTime/instant of any precision into
// its implicit range. Values without a zone are interpreted as UTC; zoned
// values are normalized to UTC so stored and queried instants compare on one
// timeline. The End is the last covered nanosecond, keeping the interval
// closed.
func ParseDateRange(value string) (DateRange, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return DateRange{}, fmt.Errorf("empty date value")
	}

	// Fractional seconds mark an instant, which covers only itself. Handled
	// before the layout table because time.Parse tolerates fractional input
	// against a seconds-only layout and would assign a one second span.
	if strings.Contains(v, ".") {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return DateRange{}, fmt.Errorf("unparseable date value %q", value)
		}
		t = t.UTC()
		return DateRange{Start: t, End: t}, nil
	}

	for _, dl := range dateLayouts {
		t, err := time.Parse(dl.layout, v)
		if err != nil {
			continue
		}
		if !dl.hasTZ {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
		}
		t = t.UTC()
		end := dl.span(t)
		if end.After(t) {
			end = end.Add(-time.Nanosecond)
		}
		return DateRange{Start: t, End: end}, nil
	}

	return DateRange{}, fmt.Errorf("unparseable date value %q", value)
}
