// Package rules decides whether a child may watch right now.
//
// Evaluate is pure: given the rules, today's usage and the current instant it
// always returns the same Decision. Checks run in a fixed order: pause,
// bedtime, then the daily budget.
package rules

import (
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonPaused        Reason = "paused"
	ReasonBedtime       Reason = "bedtime"
	ReasonLimitReached  Reason = "limit_reached"
	ReasonPolicy        Reason = "policy"
	ReasonDeviceRemoved Reason = "device_removed"
)

// DateLayout is the layout of ledger and extension dates.
const DateLayout = "2006-01-02"

// Decision is the outcome of an access check.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Used      time.Duration
	Limit     time.Duration
	Remaining time.Duration
}

// RemainingMinutes returns the remaining budget as fractional minutes.
func (d Decision) RemainingMinutes() float64 {
	return d.Remaining.Minutes()
}

// Default returns the rules applied to a child with nothing stored.
func Default(dailyLimitMinutes int, timezone string) storage.Rules {
	return storage.Rules{
		DailyLimitMinutes: dailyLimitMinutes,
		Timezone:          timezone,
		Extensions:        []storage.Extension{},
	}
}

// Evaluate computes the access decision for a child at now.
func Evaluate(r storage.Rules, used time.Duration, now time.Time) Decision {
	local := now.In(Location(r))
	limit := EffectiveLimit(r, local)

	d := Decision{
		Used:  used,
		Limit: limit,
	}

	if Paused(r.Pause, now) {
		d.Reason = ReasonPaused
		return d
	}

	if BedtimeActive(r.Bedtime, local) {
		d.Reason = ReasonBedtime
		return d
	}

	d.Remaining = limit - used
	if d.Remaining <= 0 {
		d.Remaining = 0
		d.Reason = ReasonLimitReached
		return d
	}

	d.Allowed = true
	return d
}

// Location returns the child's time zone, UTC when unset or unknown.
func Location(r storage.Rules) *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDate returns the calendar date of now in loc.
func LocalDate(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(DateLayout)
}

// DayStart returns local midnight of the day containing now.
func DayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Paused reports whether a pause is in force at now.
func Paused(p storage.Pause, now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.Indefinite {
		return true
	}
	return p.Until != nil && now.Before(*p.Until)
}

// BedtimeActive reports whether local falls in [start, end). Windows may wrap
// past midnight; start == end is an empty window.
func BedtimeActive(b storage.Bedtime, local time.Time) bool {
	if !b.Enabled {
		return false
	}

	start, err := storage.ParseClock(b.Start)
	if err != nil {
		return false
	}
	end, err := storage.ParseClock(b.End)
	if err != nil {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return false
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// EffectiveLimit returns today's budget including extensions granted today.
func EffectiveLimit(r storage.Rules, local time.Time) time.Duration {
	minutes := r.DailyLimitMinutes
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		if r.WeekendLimitMinutes != nil {
			minutes = *r.WeekendLimitMinutes
		}
	default:
		if r.WeekdayLimitMinutes != nil {
			minutes = *r.WeekdayLimitMinutes
		}
	}

	today := local.Format(DateLayout)
	for _, ext := range r.Extensions {
		if ext.Date == today {
			minutes += ext.Minutes
		}
	}

	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}

// BreakDue reports whether credited session time crossed a multiple of interval.
func BreakDue(interval, before, after time.Duration) bool {
	if interval <= 0 || after <= before {
		return false
	}
	return before/interval < after/interval
}

// PruneExtensions drops extensions that are not dated today.
func PruneExtensions(r *storage.Rules, today string) {
	kept := r.Extensions[:0]
	for _, ext := range r.Extensions {
		if ext.Date == today {
			kept = append(kept, ext)
		}
	}
	r.Extensions = kept
}
