package features

import (
	"math"
	"time"
)

// Calendar holds the date-derived features. DayOfWeek is 0 (Monday) .. 6.
type Calendar struct {
	Year       int
	Month      int
	Day        int
	DayOfWeek  int
	WeekOfYear int
	IsWeekend  bool
}

// CalendarOf computes the calendar features of d.
func CalendarOf(d time.Time) Calendar {
	dow := (int(d.Weekday()) + 6) % 7
	_, week := d.ISOWeek()
	return Calendar{
		Year:       d.Year(),
		Month:      int(d.Month()),
		Day:        d.Day(),
		DayOfWeek:  dow,
		WeekOfYear: week,
		IsWeekend:  dow >= 5,
	}
}

// Cyclical returns sin and cos of 2π·value/period.
func Cyclical(value, period float64) (sin, cos float64) {
	a := 2 * math.Pi * value / period
	return math.Sin(a), math.Cos(a)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
