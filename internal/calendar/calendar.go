// Package calendar renders an owner's reminder schedule as an iCalendar
// feed with a single weekly recurring event.
package calendar

import (
	"errors"
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"remindd/internal/preference"
	"remindd/internal/recurrence"
)

const (
	ProductID     = "-//remindd//reminders//EN"
	EventDuration = 15 * time.Minute
)

var ErrNoUpcoming = errors.New("no upcoming occurrence")

var rruleDays = map[recurrence.Weekday]rrule.Weekday{
	recurrence.Monday:    rrule.MO,
	recurrence.Tuesday:   rrule.TU,
	recurrence.Wednesday: rrule.WE,
	recurrence.Thursday:  rrule.TH,
	recurrence.Friday:    rrule.FR,
	recurrence.Saturday:  rrule.SA,
	recurrence.Sunday:    rrule.SU,
}

// Option builds the weekly rule equivalent to what the resolver emits.
// Days are UTC weekdays, matching recurrence.Resolve.
func Option(rule recurrence.Rule, dtstart time.Time) rrule.ROption {
	days := recurrence.ResolveDays(rule.Frequency, rule.Days)
	by := make([]rrule.Weekday, 0, len(days))
	for _, d := range days {
		by = append(by, rruleDays[d])
	}
	return rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   dtstart.UTC(),
		Byweekday: by,
		Byhour:    []int{rule.UTCHour()},
		Byminute:  []int{rule.Minute},
		Bysecond:  []int{0},
	}
}

// Build returns a calendar for p. Inactive preferences yield a calendar
// without events.
func Build(p preference.Preference, now time.Time, defaultTitle string) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(ProductID)
	cal.SetXWRCalName(fmt.Sprintf("Reminders for %s", p.OwnerID))
	if !p.Active() {
		return cal, nil
	}

	res := recurrence.Resolve(now, p.Rule, 1)
	if len(res.Slots) == 0 {
		return nil, ErrNoUpcoming
	}
	first := res.Slots[0].At
	opt := Option(p.Rule, first)
	if _, err := rrule.NewRRule(opt); err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}

	title := p.Title
	if title == "" {
		title = defaultTitle
	}
	ev := cal.AddEvent(fmt.Sprintf("%s@remindd", p.OwnerID))
	ev.SetDtStampTime(now.UTC())
	ev.SetLastModifiedAt(p.UpdatedAt.UTC())
	ev.SetStartAt(first)
	ev.SetEndAt(first.Add(EventDuration))
	ev.SetSummary(title)
	if p.Message != "" {
		ev.SetDescription(p.Message)
	}
	ev.AddProperty(ical.ComponentPropertyRrule, opt.RRuleString())
	return cal, nil
}

func Write(w io.Writer, p preference.Preference, now time.Time, defaultTitle string) error {
	cal, err := Build(p, now, defaultTitle)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, cal.Serialize())
	return err
}
