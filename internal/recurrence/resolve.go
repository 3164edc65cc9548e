// Package recurrence computes concrete future firing instants from a
// weekly reminder rule. It does no I/O.
package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const DefaultHorizonWeeks = 8

// Rule is the part of an owner's reminder settings that decides when
// reminders fire.
type Rule struct {
	Hour                  int
	Minute                int
	Frequency             Frequency
	Days                  []Weekday
	TimezoneOffsetMinutes int
}

func (r Rule) Validate() error {
	var errs []error
	if r.Hour < 0 || r.Hour > 23 {
		errs = append(errs, fmt.Errorf("hour %d out of range 0..23", r.Hour))
	}
	if r.Minute < 0 || r.Minute > 59 {
		errs = append(errs, fmt.Errorf("minute %d out of range 0..59", r.Minute))
	}
	// UTC-14..UTC+14 covers every real zone
	if r.TimezoneOffsetMinutes < -14*60 || r.TimezoneOffsetMinutes > 14*60 {
		errs = append(errs, fmt.Errorf("timezone offset %d minutes out of range", r.TimezoneOffsetMinutes))
	}
	for _, d := range r.Days {
		if !d.Valid() {
			errs = append(errs, fmt.Errorf("day %d out of range 1..7", int(d)))
		}
	}
	return errors.Join(errs...)
}

// SubHourOffset returns the minutes of the offset that whole-hour
// conversion ignores. A non-zero value is a known limitation: the
// remainder is truncated toward zero, never guessed.
func (r Rule) SubHourOffset() int { return r.TimezoneOffsetMinutes % 60 }

// UTCHour converts the local hour to UTC using whole offset hours.
func (r Rule) UTCHour() int {
	offsetHours := r.TimezoneOffsetMinutes / 60
	return ((r.Hour-offsetHours)%24 + 24) % 24
}

// Slot identifies one occurrence within an owner's horizon.
type Slot struct {
	Weekday   Weekday
	WeekIndex int
	At        time.Time // UTC
}

// Key is the stable per-owner identity of a slot.
func (s Slot) Key(ownerID string) string {
	return fmt.Sprintf("%s/%d/%d", ownerID, int(s.Weekday), s.WeekIndex)
}

// ParseKey splits a key produced by Slot.Key.
func ParseKey(key string) (ownerID string, day Weekday, weekIndex int, err error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("malformed occurrence key %q", key)
	}
	j := strings.LastIndexByte(key[:i], '/')
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("malformed occurrence key %q", key)
	}
	var d int
	if _, err := fmt.Sscanf(key[j+1:], "%d/%d", &d, &weekIndex); err != nil {
		return "", 0, 0, fmt.Errorf("malformed occurrence key %q: %w", key, err)
	}
	return key[:j], Weekday(d), weekIndex, nil
}

// Result holds the resolved slots and how many candidates were dropped
// for not being strictly in the future.
type Result struct {
	Slots   []Slot
	Skipped int
}

// Resolve returns every future slot of rule within horizonWeeks, ordered
// by instant. Weekdays are evaluated in UTC. A horizon <= 0 uses the default.
func Resolve(now time.Time, rule Rule, horizonWeeks int) Result {
	if horizonWeeks <= 0 {
		horizonWeeks = DefaultHorizonWeeks
	}
	now = now.UTC()
	days := ResolveDays(rule.Frequency, rule.Days)
	utcHour := rule.UTCHour()
	today := WeekdayOf(now)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	todayAt := midnight.Add(time.Duration(utcHour)*time.Hour + time.Duration(rule.Minute)*time.Minute)

	res := Result{Slots: make([]Slot, 0, len(days)*horizonWeeks)}
	for _, day := range days {
		for week := 0; week < horizonWeeks; week++ {
			var offsetDays int
			if day == today {
				if todayAt.After(now) {
					offsetDays = week * 7
				} else {
					offsetDays = 7 + week*7
				}
			} else {
				offsetDays = (int(day)-int(today)+7)%7 + week*7
			}
			at := todayAt.AddDate(0, 0, offsetDays)
			if !at.After(now) {
				res.Skipped++
				continue
			}
			res.Slots = append(res.Slots, Slot{Weekday: day, WeekIndex: week, At: at})
		}
	}
	slices.SortFunc(res.Slots, func(a, b Slot) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return int(a.Weekday) - int(b.Weekday)
	})
	return res
}
