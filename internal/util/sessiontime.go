package util

import (
	"fmt"
	"strings"
	"time"
)

// LoadLocation resolves a timezone name, falling back to UTC for "".
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", name, err)
	}
	return loc, nil
}

// SessionBounds combines a trading date (YYYY-MM-DD) with wall-clock start
// and end times (HH:MM or HH:MM:SS) in loc. Either clock may instead be a
// full RFC3339 timestamp, in which case date is ignored for it.
func SessionBounds(date, start, end string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s, err := sessionInstant(date, start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	e, err := sessionInstant(date, end, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s", e.Format(time.RFC3339), s.Format(time.RFC3339))
	}
	return s, e, nil
}

func sessionInstant(date, clock string, loc *time.Location) (time.Time, error) {
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return time.Time{}, fmt.Errorf("time is empty")
	}
	if t, err := time.Parse(time.RFC3339, clock); err == nil {
		return t, nil
	}
	if date == "" {
		return time.Time{}, fmt.Errorf("date is required with clock time %q", clock)
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, date+" "+clock, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q on %q", clock, date)
}

// YearMonth validates a YYYY-MM string.
func YearMonth(s string) (string, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", fmt.Errorf("invalid month %q: want YYYY-MM", s)
	}
	return t.Format("2006-01"), nil
}
