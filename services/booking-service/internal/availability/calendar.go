package availability

import "time"

type DayState string

const (
	DayAvailable       DayState = "available"
	DayPartiallyBooked DayState = "partially_booked"
	DayFullyBooked     DayState = "fully_booked"
	// DayMine marks a day on which the requesting customer already holds a
	// non-terminal appointment. It takes precedence over the other states.
	DayMine DayState = "mine"
)

type Day struct {
	Date     string   `json:"date"`
	State    DayState `json:"state"`
	Disabled bool     `json:"disabled"`
	Free     int      `json:"free_slots"`
}

// Calendar classifies every calendar day from from to to inclusive. Occupancy is
// measured over the full slot grid of the day; the current time only decides
// which days are Disabled.
func (p Policy) Calendar(from, to time.Time, duration time.Duration, occupants []Occupant, customerID string, now time.Time) []Day {
	today := p.DayBounds(now).Start
	first := p.DayBounds(from).Start
	last := p.DayBounds(to).Start

	var days []Day
	for day := first; !day.After(last); day = p.DayBounds(day).End {
		bounds := p.DayBounds(day)
		w := p.Window(day)
		starts := candidateStarts(w.Start, w.End, duration, p.Step)

		var dayOccupants []Occupant
		mine := false
		for _, o := range occupants {
			if !o.Blocked().Overlaps(bounds) {
				continue
			}
			dayOccupants = append(dayOccupants, o)
			if customerID != "" && o.CustomerID == customerID && !o.Start.Before(bounds.Start) && o.Start.Before(bounds.End) {
				mine = true
			}
		}

		free := 0
		for _, s := range starts {
			if !Overlaps(Interval{Start: s, End: s.Add(duration)}, dayOccupants) {
				free++
			}
		}

		d := Day{
			Date:     day.Format("2006-01-02"),
			Free:     free,
			Disabled: day.Before(today),
		}
		switch {
		case mine:
			d.State = DayMine
		case free == 0:
			d.State = DayFullyBooked
		case free < len(starts):
			d.State = DayPartiallyBooked
		default:
			d.State = DayAvailable
		}
		days = append(days, d)
	}
	return days
}
