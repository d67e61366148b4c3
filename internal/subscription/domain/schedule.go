package domain

import "time"

const deliveryLayout = "Monday, January 2, 2006"

// NextDeliveryDate advances from by one cadence using calendar arithmetic.
// Month steps clamp to the last day of the target month, so Jan 31 plus one
// month is the last day of February. Unknown cadences advance one month.
func NextDeliveryDate(f Frequency, from time.Time) time.Time {
	switch f {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14)
	case FrequencyQuarterly:
		return addMonthsClamped(from, 3)
	default:
		return addMonthsClamped(from, 1)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// FormatDelivery renders a delivery date the way the storefront shows it.
func FormatDelivery(t time.Time) string {
	return t.Format(deliveryLayout)
}
