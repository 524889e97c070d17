// Package scheduler provides the business-hours calendar and the control
// loop that triggers send passes inside the configured window.
package scheduler

import (
	"fmt"
	"time"
)

// Hours is the weekday/hour window outside of which no sends occur. Hours
// are half-open: a send at exactly EndHour:00 is outside the window. All
// evaluation happens in the operator's time zone.
type Hours struct {
	Location  *time.Location
	StartHour int // first sending hour, inclusive
	EndHour   int // first non-sending hour, exclusive
	Weekdays  [7]bool
}

// NewHours builds a window. Weekday names are as in time.Weekday.String();
// an empty list means every day.
func NewHours(loc *time.Location, start, end int, weekdays []string) (Hours, error) {
	if loc == nil {
		loc = time.UTC
	}
	if start < 0 || start > 23 || end < 1 || end > 24 || start >= end {
		return Hours{}, fmt.Errorf("invalid business hours %d-%d", start, end)
	}

	h := Hours{Location: loc, StartHour: start, EndHour: end}
	if len(weekdays) == 0 {
		for i := range h.Weekdays {
			h.Weekdays[i] = true
		}
		return h, nil
	}
	for _, name := range weekdays {
		matched := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			if d.String() == name {
				h.Weekdays[d] = true
				matched = true
				break
			}
		}
		if !matched {
			return Hours{}, fmt.Errorf("unknown weekday %q", name)
		}
	}
	return h, nil
}

// Contains reports whether t falls inside the sending window.
func (h Hours) Contains(t time.Time) bool {
	local := t.In(h.Location)
	if !h.Weekdays[local.Weekday()] {
		return false
	}
	hour := local.Hour()
	return hour >= h.StartHour && hour < h.EndHour
}

// NextOpen returns the next instant at or after t when the window is open.
// If t is already inside the window, t is returned unchanged.
func (h Hours) NextOpen(t time.Time) time.Time {
	if h.Contains(t) {
		return t
	}

	local := t.In(h.Location)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), h.StartHour, 0, 0, 0, h.Location)
	if !local.Before(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	// Walk forward to the next allowed weekday. Bounded: at least one
	// weekday is always enabled.
	for !h.Weekdays[candidate.Weekday()] {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// StartOfDay returns midnight of t's calendar day in the operator's time
// zone. The daily cap counts 'sent' log rows at or after this instant.
func (h Hours) StartOfDay(t time.Time) time.Time {
	local := t.In(h.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.Location)
}
