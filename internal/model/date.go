package model

import (
	"strings"
	"time"
)

// dateLayouts are the precisions registries report. Partial dates resolve to
// the first day of the period.
var dateLayouts = []string{"2006-01-02", "2006-01", "2006"}

// ParseDate parses a normalized registry date string. Malformed or blank
// values return nil rather than an error; missing data is an expected state.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "na") {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// FormatDate renders a nullable date as YYYY-MM-DD, or "" for nil.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// DaysBetween returns the whole number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
