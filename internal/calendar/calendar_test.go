package calendar

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"remindd/internal/preference"
	"remindd/internal/recurrence"
)

func TestBuildMatchesResolver(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC) // Wednesday
	p := preference.Preference{
		OwnerID: "alice",
		Rule: recurrence.Rule{
			Hour:                  9,
			Minute:                15,
			Frequency:             recurrence.FreqCustom,
			Days:                  []recurrence.Weekday{recurrence.Monday, recurrence.Thursday},
			TimezoneOffsetMinutes: 120,
		},
		Message:     "flashcards",
		PushAddress: "1",
		Enabled:     true,
		UpdatedAt:   now.Add(-time.Hour),
	}

	var sb strings.Builder
	if err := Write(&sb, p, now, "Study reminder"); err != nil {
		t.Fatal(err)
	}
	cal, err := ical.ParseCalendar(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatal(err)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	ev := events[0]
	if got := ev.GetProperty(ical.ComponentPropertySummary).Value; got != "Study reminder" {
		t.Fatalf("summary = %q", got)
	}
	start, err := ev.GetStartAt()
	if err != nil {
		t.Fatal(err)
	}
	rr, err := rrule.StrToRRule(ev.GetProperty(ical.ComponentPropertyRrule).Value)
	if err != nil {
		t.Fatal(err)
	}
	rr.DTStart(start)

	const weeks = 4
	want := recurrence.Resolve(now, p.Rule, weeks).Slots
	got := rr.Between(now, now.AddDate(0, 0, 7*weeks), true)
	if len(got) < len(want) {
		t.Fatalf("rrule produced %d instants, resolver %d", len(got), len(want))
	}
	for i, s := range want {
		if !got[i].Equal(s.At) {
			t.Fatalf("instant %d: rrule %v, resolver %v", i, got[i], s.At)
		}
	}
}

func TestBuildInactiveHasNoEvents(t *testing.T) {
	t.Parallel()

	cal, err := Build(preference.Preference{OwnerID: "bob", Enabled: false}, time.Now(), "")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(cal.Events()); n != 0 {
		t.Fatalf("events = %d", n)
	}
	if !strings.Contains(cal.Serialize(), ProductID) {
		t.Fatal("missing product id")
	}
}
