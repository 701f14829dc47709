package availability

import "time"

type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps treats both intervals as half-open: [a.Start,a.End) overlaps
// [b.Start,b.End) iff a.Start < b.End && b.Start < a.End.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Occupant is an appointment that holds a slot. Its own buffer snapshot extends
// the blocked interval past its end.
type Occupant struct {
	AppointmentID string
	CustomerID    string
	Start         time.Time
	End           time.Time
	BufferMin     int64
}

func (o Occupant) Blocked() Interval {
	return Interval{Start: o.Start, End: o.End.Add(time.Duration(o.BufferMin) * time.Minute)}
}

// Overlaps reports whether candidate collides with any occupant's blocked interval.
func Overlaps(candidate Interval, occupants []Occupant) bool {
	for _, o := range occupants {
		if candidate.Overlaps(o.Blocked()) {
			return true
		}
	}
	return false
}

func busyIntervals(occupants []Occupant) []Interval {
	busy := make([]Interval, 0, len(occupants))
	for _, o := range occupants {
		busy = append(busy, o.Blocked())
	}
	return busy
}

// AvailableSlots returns slot start times within [windowStart, windowEnd) where a booking of
// length duration would not overlap any of the busy intervals. Slots starting before now are
// omitted.
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval, now time.Time) []time.Time {
	var slots []time.Time
	for _, t := range candidateStarts(windowStart, windowEnd, duration, step) {
		if t.Before(now) {
			continue
		}
		if !overlapsAny(Interval{Start: t, End: t.Add(duration)}, busy) {
			slots = append(slots, t)
		}
	}
	return slots
}

func candidateStarts(windowStart, windowEnd time.Time, duration, step time.Duration) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) || windowStart.Add(duration).After(windowEnd) {
		return nil
	}
	var starts []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		starts = append(starts, t)
	}
	return starts
}

func overlapsAny(candidate Interval, busy []Interval) bool {
	for _, b := range busy {
		if candidate.Overlaps(b) {
			return true
		}
	}
	return false
}
