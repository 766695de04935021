package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// ParseTimestamp parses the timestamp formats the data sources emit.
// Numeric values are epoch times; the unit is picked by magnitude so that
// seconds, milliseconds, microseconds (the stock data API) and nanoseconds
// are all accepted. Layouts without a zone are read in loc (UTC if nil).
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(int64(f)), nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func fromEpoch(n int64) time.Time {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e17:
		return time.Unix(0, n)
	case abs >= 1e14:
		return time.UnixMicro(n)
	case abs >= 1e11:
		return time.UnixMilli(n)
	default:
		return time.Unix(n, 0)
	}
}

// EpochMicros formats t the way the stock data API expects range bounds.
func EpochMicros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}
