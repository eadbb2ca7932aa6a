// Package timeparse turns the loosely formatted timestamp strings carried
// on stored passages into time values. Source feeds disagree on format, so
// parsing tries an ordered list and reports failure explicitly instead of
// erroring; callers treat an unparseable timestamp as "no timestamp".
package timeparse

import (
	"strings"
	"time"
)

var formats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
	"20060102",
}

// Parse tries each accepted format in order. ok is false when the input is
// empty or matches none of them.
func Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range formats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDate is Parse truncated to midnight UTC of the same calendar day.
// Recency scoring and same-day exclusion compare at date granularity only.
func ParseDate(s string) (time.Time, bool) {
	t, ok := Parse(s)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

// DatePrefix returns the YYYY-MM-DD prefix of a timestamp string, or ""
// when the input cannot be parsed. Store-side filters compare timestamps
// lexicographically at this granularity.
func DatePrefix(s string) string {
	t, ok := Parse(s)
	if !ok {
		return ""
	}
	return t.Format("2006-01-02")
}
