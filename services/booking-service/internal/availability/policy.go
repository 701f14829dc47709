package availability

import (
	"errors"
	"time"
)

// Policy is the business's operating window and slot grid. Days and clock
// times are interpreted in Location.
type Policy struct {
	OpenMinute  int
	CloseMinute int
	Step        time.Duration
	Location    *time.Location
}

func (p Policy) Validate() error {
	if p.Location == nil {
		return errors.New("availability: location is required")
	}
	if p.Step <= 0 {
		return errors.New("availability: slot step must be positive")
	}
	if p.OpenMinute < 0 || p.CloseMinute > 24*60 || p.CloseMinute <= p.OpenMinute {
		return errors.New("availability: close must be after open")
	}
	return nil
}

// Window returns the operating interval for the calendar day containing day,
// as seen in the business timezone.
func (p Policy) Window(day time.Time) Interval {
	y, m, d := day.In(p.Location).Date()
	return Interval{
		Start: time.Date(y, m, d, 0, p.OpenMinute, 0, 0, p.Location),
		End:   time.Date(y, m, d, 0, p.CloseMinute, 0, 0, p.Location),
	}
}

// DayBounds is [local midnight, next local midnight) for the day containing t.
func (p Policy) DayBounds(t time.Time) Interval {
	y, m, d := t.In(p.Location).Date()
	return Interval{
		Start: time.Date(y, m, d, 0, 0, 0, 0, p.Location),
		End:   time.Date(y, m, d+1, 0, 0, 0, 0, p.Location),
	}
}

// DaySlots lists bookable start times for day in ascending order.
func (p Policy) DaySlots(day time.Time, duration time.Duration, occupants []Occupant, now time.Time) []time.Time {
	w := p.Window(day)
	slots := AvailableSlots(w.Start, w.End, duration, p.Step, busyIntervals(occupants), now)
	for i := range slots {
		slots[i] = slots[i].In(p.Location)
	}
	return slots
}

// Fits reports whether [start, start+duration) lies on the slot grid inside the
// operating window of its day.
func (p Policy) Fits(start time.Time, duration time.Duration) bool {
	w := p.Window(start)
	if start.Before(w.Start) || start.Add(duration).After(w.End) {
		return false
	}
	return start.Sub(w.Start)%p.Step == 0
}
