package recurrence

import (
	"fmt"
	"time"
)

// Weekday numbers days 1=Monday through 7=Sunday.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

func (d Weekday) Valid() bool { return d >= Monday && d <= Sunday }

func (d Weekday) String() string {
	if !d.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(d))
	}
	return d.Time().String()
}

// Time converts to the standard library's 0=Sunday weekday.
func (d Weekday) Time() time.Weekday { return time.Weekday(int(d) % 7) }

// WeekdayOf returns the Monday-first weekday of t in t's location.
func WeekdayOf(t time.Time) Weekday { return FromTime(t.Weekday()) }

func FromTime(w time.Weekday) Weekday {
	if w == time.Sunday {
		return Sunday
	}
	return Weekday(w)
}

// FromSundayZero converts a 0=Sunday..6=Saturday day number, as used by
// client UIs, into Weekday. It is the only place that convention is read.
func FromSundayZero(n int) (Weekday, error) {
	if n < 0 || n > 6 {
		return 0, fmt.Errorf("sunday-zero day %d out of range 0..6", n)
	}
	return FromTime(time.Weekday(n)), nil
}

// ToSundayZero is the inverse of FromSundayZero.
func ToSundayZero(d Weekday) (int, error) {
	if !d.Valid() {
		return 0, fmt.Errorf("weekday %d out of range 1..7", int(d))
	}
	return int(d.Time()), nil
}
