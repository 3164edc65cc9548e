package recurrence

import (
	"fmt"
	"slices"
	"strings"
)

type Frequency string

const (
	FreqDaily    Frequency = "daily"
	FreqWeekdays Frequency = "weekday"
	FreqCustom   Frequency = "custom"
)

// ParseFrequency accepts the canonical names case-insensitively, plus
// "weekdays". Empty defaults to daily.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "daily":
		return FreqDaily, nil
	case "weekday", "weekdays":
		return FreqWeekdays, nil
	case "custom":
		return FreqCustom, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

var (
	allDays     = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}
	workingDays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday}
)

// ResolveDays returns the concrete, sorted, de-duplicated day set for f.
// Custom with no valid days falls back to Monday..Friday. Invalid day
// numbers are dropped; callers validate input before getting here.
func ResolveDays(f Frequency, days []Weekday) []Weekday {
	switch f {
	case FreqDaily:
		return slices.Clone(allDays)
	case FreqCustom:
		out := make([]Weekday, 0, len(days))
		for _, d := range days {
			if d.Valid() {
				out = append(out, d)
			}
		}
		slices.Sort(out)
		out = slices.Compact(out)
		if len(out) > 0 {
			return out
		}
	}
	return slices.Clone(workingDays)
}
