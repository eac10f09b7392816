package reconcile

import (
	"fmt"
	"time"
)

// RoundHour returns the nearest clock hour in UTC, rounding half up:
// 08:29:59 becomes 08:00 and 08:30:00 becomes 09:00.
func RoundHour(t time.Time) time.Time {
	t = t.UTC()
	h := t.Truncate(time.Hour)
	if t.Sub(h) >= 30*time.Minute {
		h = h.Add(time.Hour)
	}
	return h
}

// WindowMode selects which observations are averaged into an hour.
type WindowMode string

const (
	// WindowCentered averages [h-30m, h+30m), the rows that round to h.
	WindowCentered WindowMode = "centered"
	// WindowTrailing averages the hour ending at h, [h-59m59s, h].
	WindowTrailing WindowMode = "trailing"
)

func ParseWindowMode(s string) (WindowMode, error) {
	switch m := WindowMode(s); m {
	case WindowCentered, WindowTrailing:
		return m, nil
	case "":
		return WindowCentered, nil
	}
	return "", fmt.Errorf("unknown reconcile window %q", s)
}

// Bounds returns the half-open interval [start, end) averaged into hour.
func (m WindowMode) Bounds(hour time.Time) (start, end time.Time) {
	hour = hour.UTC()
	if m == WindowTrailing {
		return hour.Add(-59*time.Minute - 59*time.Second), hour.Add(time.Second)
	}
	return hour.Add(-30 * time.Minute), hour.Add(30 * time.Minute)
}
