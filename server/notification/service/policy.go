package service

import (
	"strings"
	"time"
	_ "time/tzdata"

	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/priority"
)

// QuietWindow is a daily local-time span, given as offsets from midnight.
// Start after End wraps past midnight; Start == End disables it.
type QuietWindow struct {
	Start time.Duration
	End   time.Duration
}

func (w QuietWindow) Enabled() bool {
	return w.Start != w.End
}

func (w QuietWindow) contains(local time.Time) bool {
	if !w.Enabled() {
		return false
	}
	off := sinceMidnight(local)
	if w.Start < w.End {
		return off >= w.Start && off < w.End
	}
	return off >= w.Start || off < w.End
}

// endAfter returns when the window containing local closes.
func (w QuietWindow) endAfter(local time.Time) time.Time {
	day := midnight(local)
	if w.Start > w.End && sinceMidnight(local) >= w.Start {
		day = day.AddDate(0, 0, 1)
	}
	return day.Add(w.End)
}

var DefaultRestDays = map[string][]time.Weekday{
	"":   {time.Sunday},
	"SA": {time.Friday, time.Saturday},
	"KW": {time.Friday, time.Saturday},
	"QA": {time.Friday, time.Saturday},
	"BH": {time.Friday, time.Saturday},
	"OM": {time.Friday, time.Saturday},
	"EG": {time.Friday, time.Saturday},
	"JO": {time.Friday, time.Saturday},
	"DZ": {time.Friday, time.Saturday},
	"IQ": {time.Friday, time.Saturday},
	"IL": {time.Saturday},
	"IR": {time.Friday},
}

// TimingPolicy decides when a notification may go out. Critical priority is
// always immediate. Everything else waits out the recipient's quiet window,
// and priorities up to RestDayMaxPriority also skip the regional rest days.
type TimingPolicy struct {
	Quiet              QuietWindow
	DefaultLocation    *time.Location
	RestDays           map[string][]time.Weekday
	RestDayMaxPriority priority.Level
}

func DefaultTimingPolicy() TimingPolicy {
	return TimingPolicy{
		Quiet:              QuietWindow{Start: 22 * time.Hour, End: 7 * time.Hour},
		DefaultLocation:    time.UTC,
		RestDays:           DefaultRestDays,
		RestDayMaxPriority: priority.Low,
	}
}

// NextAppropriate returns the earliest time at or after now that suits the
// recipient, and whether that differs from now.
func (p TimingPolicy) NextAppropriate(now time.Time, prio priority.Level, locale, timezone string) (time.Time, bool) {
	if prio >= priority.Critical {
		return now, false
	}
	local := now.In(p.location(timezone))
	region := i18n.Region(locale)
	candidate := local
	// A rest day can push into a quiet window and vice versa.
	for i := 0; i < 14; i++ {
		moved := false
		if p.Quiet.contains(candidate) {
			candidate = p.Quiet.endAfter(candidate)
			moved = true
		}
		if prio <= p.RestDayMaxPriority && p.isRestDay(region, candidate.Weekday()) {
			candidate = midnight(candidate).AddDate(0, 0, 1).Add(p.dayStart())
			moved = true
		}
		if !moved {
			break
		}
	}
	if !candidate.After(local) {
		return now, false
	}
	return candidate.UTC(), true
}

func (p TimingPolicy) location(timezone string) *time.Location {
	if tz := strings.TrimSpace(timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if p.DefaultLocation != nil {
		return p.DefaultLocation
	}
	return time.UTC
}

func (p TimingPolicy) isRestDay(region string, day time.Weekday) bool {
	days, ok := p.RestDays[region]
	if !ok {
		days = p.RestDays[""]
	}
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

func (p TimingPolicy) dayStart() time.Duration {
	if p.Quiet.Enabled() {
		return p.Quiet.End
	}
	return 8 * time.Hour
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sinceMidnight(t time.Time) time.Duration {
	return t.Sub(midnight(t))
}
