package ingest

import "time"

// WaterYear returns the start of the water year containing t: midnight on
// October 1 in loc. A water year runs from October 1 to September 30.
func WaterYear(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	year := local.Year()
	if local.Month() < time.October {
		year--
	}
	return time.Date(year, time.October, 1, 0, 0, 0, 0, loc)
}
