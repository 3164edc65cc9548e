package recurrence

import (
	"slices"
	"testing"
	"time"

	"github.com/teambition/rrule-go"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestResolveDays(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		freq Frequency
		days []Weekday
		want []Weekday
	}{
		{"daily ignores days", FreqDaily, []Weekday{Monday}, allDays},
		{"weekdays", FreqWeekdays, nil, workingDays},
		{"custom", FreqCustom, []Weekday{Sunday, Wednesday, Wednesday}, []Weekday{Wednesday, Sunday}},
		{"custom empty falls back", FreqCustom, nil, workingDays},
		{"custom invalid falls back", FreqCustom, []Weekday{0, 9}, workingDays},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ResolveDays(tc.freq, tc.days); !slices.Equal(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveUTCPlus8Monday(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-01T08:00:00Z") // Monday
	rule := Rule{Hour: 9, Minute: 0, Frequency: FreqDaily, TimezoneOffsetMinutes: 480}
	if got := rule.UTCHour(); got != 1 {
		t.Fatalf("utcHour = %d, want 1", got)
	}
	res := Resolve(now, rule, 8)
	if len(res.Slots) != 7*8 {
		t.Fatalf("slots = %d, want 56", len(res.Slots))
	}
	for _, s := range res.Slots {
		if s.Weekday == Monday && s.WeekIndex == 0 {
			want := mustTime(t, "2024-01-08T01:00:00Z")
			if !s.At.Equal(want) {
				t.Fatalf("monday week 0 = %v, want %v", s.At, want)
			}
			return
		}
	}
	t.Fatal("monday week 0 missing")
}

func TestResolveTodayEqualNowMovesToNextWeek(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-03T00:00:00Z") // Wednesday
	rule := Rule{Frequency: FreqCustom, Days: []Weekday{Wednesday}}
	res := Resolve(now, rule, 2)
	if len(res.Slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(res.Slots))
	}
	if want := mustTime(t, "2024-01-10T00:00:00Z"); !res.Slots[0].At.Equal(want) {
		t.Fatalf("first = %v, want %v", res.Slots[0].At, want)
	}
	if want := mustTime(t, "2024-01-17T00:00:00Z"); !res.Slots[1].At.Equal(want) {
		t.Fatalf("second = %v, want %v", res.Slots[1].At, want)
	}
}

func TestResolveTodayLaterFiresToday(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-03T10:00:00Z")
	res := Resolve(now, Rule{Hour: 10, Minute: 1, Frequency: FreqCustom, Days: []Weekday{Wednesday}}, 1)
	if len(res.Slots) != 1 || !res.Slots[0].At.Equal(mustTime(t, "2024-01-03T10:01:00Z")) {
		t.Fatalf("unexpected slots %+v", res.Slots)
	}
}

func TestResolveNeverReturnsPastAndIsOrdered(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2024-03-04T00:00:00Z")
	for step := 0; step < 14*24*60; step += 97 {
		now := start.Add(time.Duration(step) * time.Minute)
		for _, hour := range []int{0, 7, 13, 23} {
			rule := Rule{Hour: hour, Minute: step % 60, Frequency: FreqDaily, TimezoneOffsetMinutes: -300}
			res := Resolve(now, rule, 3)
			for i, s := range res.Slots {
				if !s.At.After(now) {
					t.Fatalf("now=%v slot %v not in the future", now, s.At)
				}
				if i > 0 && s.At.Before(res.Slots[i-1].At) {
					t.Fatalf("slots out of order at %d", i)
				}
			}
		}
	}
}

// The resolver must agree with a plain weekly RRULE expansion.
func TestResolveMatchesRRule(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2024-05-06T00:00:00Z")
	rule := Rule{Hour: 18, Minute: 30, Frequency: FreqCustom, Days: []Weekday{Monday, Thursday, Sunday}, TimezoneOffsetMinutes: 120}
	const horizon = 4

	byDay := make([]rrule.Weekday, 0, 3)
	for _, d := range ResolveDays(rule.Frequency, rule.Days) {
		byDay = append(byDay, []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}[d-1])
	}

	for step := 0; step < 8*24; step += 5 {
		now := start.Add(time.Duration(step)*time.Hour + 30*time.Minute)
		r, err := rrule.NewRRule(rrule.ROption{
			Freq:      rrule.WEEKLY,
			Dtstart:   now,
			Byweekday: byDay,
			Byhour:    []int{rule.UTCHour()},
			Byminute:  []int{rule.Minute},
			Bysecond:  []int{0},
		})
		if err != nil {
			t.Fatalf("rrule: %v", err)
		}
		var want []time.Time
		for _, at := range r.Between(now, now.AddDate(0, 0, 7*horizon), true) {
			if at.After(now) {
				want = append(want, at.UTC())
			}
		}

		res := Resolve(now, rule, horizon)
		got := make([]time.Time, 0, len(res.Slots))
		for _, s := range res.Slots {
			got = append(got, s.At)
		}
		if !slices.EqualFunc(got, want, time.Time.Equal) {
			t.Fatalf("now=%v\n got  %v\n want %v", now, got, want)
		}
	}
}

func TestSubHourOffsetIsReported(t *testing.T) {
	t.Parallel()
	rule := Rule{Hour: 9, TimezoneOffsetMinutes: 330} // UTC+5:30
	if rule.SubHourOffset() != 30 {
		t.Fatalf("sub-hour = %d", rule.SubHourOffset())
	}
	if rule.UTCHour() != 4 {
		t.Fatalf("utcHour = %d, want 4", rule.UTCHour())
	}
	neg := Rule{Hour: 1, TimezoneOffsetMinutes: -570} // UTC-9:30
	if neg.SubHourOffset() != -30 || neg.UTCHour() != 10 {
		t.Fatalf("negative offset: sub=%d utc=%d", neg.SubHourOffset(), neg.UTCHour())
	}
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := Slot{Weekday: Friday, WeekIndex: 3}
	key := s.Key("team/alice")
	if key != "team/alice/5/3" {
		t.Fatalf("key = %q", key)
	}
	owner, day, week, err := ParseKey(key)
	if err != nil || owner != "team/alice" || day != Friday || week != 3 {
		t.Fatalf("parse: %q %v %d %v", owner, day, week, err)
	}
	if _, _, _, err := ParseKey("nokey"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()
	if err := (Rule{Hour: 24}).Validate(); err == nil {
		t.Fatal("hour 24 accepted")
	}
	if err := (Rule{Minute: 60}).Validate(); err == nil {
		t.Fatal("minute 60 accepted")
	}
	if err := (Rule{Days: []Weekday{0}}).Validate(); err == nil {
		t.Fatal("day 0 accepted")
	}
	if err := (Rule{Hour: 23, Minute: 59, Days: []Weekday{Sunday}}).Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
}
