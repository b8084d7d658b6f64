package domain

import (
	"fmt"
	"time"
)

// Frequency is the billing interval of a recurring invoice or subscription.
type Frequency int

const (
	FrequencyDaily Frequency = iota + 1
	FrequencyWeekly
	FrequencyTwoWeeks
	FrequencyFourWeeks
	FrequencyMonthly
	FrequencyTwoMonths
	FrequencyThreeMonths
	FrequencyFourMonths
	FrequencySixMonths
	FrequencyAnnually
	FrequencyTwoYears
	FrequencyThreeYears
)

// Next returns from advanced by one billing interval. Month steps clamp to
// the last day of the target month instead of spilling into the next one.
func (f Frequency) Next(from time.Time) (time.Time, error) {
	switch f {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1), nil
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case FrequencyTwoWeeks:
		return from.AddDate(0, 0, 14), nil
	case FrequencyFourWeeks:
		return from.AddDate(0, 0, 28), nil
	case FrequencyMonthly:
		return AddMonthsNoOverflow(from, 1), nil
	case FrequencyTwoMonths:
		return AddMonthsNoOverflow(from, 2), nil
	case FrequencyThreeMonths:
		return AddMonthsNoOverflow(from, 3), nil
	case FrequencyFourMonths:
		return AddMonthsNoOverflow(from, 4), nil
	case FrequencySixMonths:
		return AddMonthsNoOverflow(from, 6), nil
	case FrequencyAnnually:
		return AddMonthsNoOverflow(from, 12), nil
	case FrequencyTwoYears:
		return AddMonthsNoOverflow(from, 24), nil
	case FrequencyThreeYears:
		return AddMonthsNoOverflow(from, 36), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %d", ErrUnknownFrequency, int(f))
	}
}

// FrequencyDays is the number of whole days in the billing interval that
// starts at from.
func FrequencyDays(f Frequency, from time.Time) (int, error) {
	next, err := f.Next(from)
	if err != nil {
		return 0, err
	}
	return DaysBetween(from, next), nil
}

// AddMonthsNoOverflow adds months to t, clamping the day so Jan 31 + 1 month
// is Feb 28 (or 29), never Mar 3.
func AddMonthsNoOverflow(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

// DaysBetween counts whole calendar days from a to b, ignoring the time of
// day. It is negative when b is before a.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	start := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	end := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}
