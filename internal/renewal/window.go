// Package renewal holds the calendar arithmetic for membership renewals and the
// card number format. Everything here is pure; callers supply "today".
package renewal

import "time"

// DefaultTermMonths applies when an order carries no usable term.
const DefaultTermMonths = 12

// Window is the coverage of a newly issued card. Start and End are calendar dates
// (midnight in the business location); ExpiresAt is the last instant of End.
type Window struct {
	Start     time.Time
	End       time.Time
	ExpiresAt time.Time
}

// Extends reports whether the window extends an unexpired card back-to-back.
func (w Window) Extends(currentExpiry *time.Time) bool {
	if currentExpiry == nil {
		return false
	}
	return DateOf(*currentExpiry, w.Start.Location()).AddDate(0, 0, 1).Equal(w.Start)
}

// Compute derives the window for a new card.
//
// An unexpired current card (expiry date today or later) is extended with no gap
// and no overlap: start = expiry+1 day, end = expiry + term. Otherwise coverage
// starts today. today's location is the business location.
func Compute(currentExpiry *time.Time, today time.Time, termMonths int) Window {
	if termMonths <= 0 {
		termMonths = DefaultTermMonths
	}
	loc := today.Location()
	today = DateOf(today, loc)

	if currentExpiry != nil {
		exp := DateOf(*currentExpiry, loc)
		if !exp.Before(today) {
			end := AddMonths(exp, termMonths)
			return Window{Start: exp.AddDate(0, 0, 1), End: end, ExpiresAt: EndOfDay(end)}
		}
	}

	end := AddMonths(today, termMonths)
	return Window{Start: today, End: end, ExpiresAt: EndOfDay(end)}
}

// DateOf truncates t to midnight of its calendar date in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// AddMonths adds calendar months, clamping to the last day of the target month
// (Jan 31 + 1 month = Feb 28/29) instead of overflowing into the next month.
func AddMonths(d time.Time, months int) time.Time {
	y, m, day := d.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, d.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	ty, tm, _ := firstOfTarget.Date()
	return time.Date(ty, tm, day, d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), d.Location())
}

// EndOfDay returns 23:59:59 on d's calendar date.
func EndOfDay(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 23, 59, 59, 0, d.Location())
}
