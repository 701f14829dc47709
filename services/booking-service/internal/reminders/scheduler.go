// Package reminders plans reminder rows when an appointment is confirmed and
// dispatches them once they fall due.
package reminders

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Offset is how long before the start a reminder goes out.
type Offset struct {
	Key    string
	Before time.Duration
}

var DefaultOffsets = []Offset{
	{Key: "reminder_24h", Before: 24 * time.Hour},
	{Key: "reminder_2h", Before: 2 * time.Hour},
}

// ParseOffsets reads a comma separated list of minutes, e.g. "1440,120".
func ParseOffsets(raw string) ([]Offset, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultOffsets, nil
	}
	seen := map[time.Duration]bool{}
	var out []Offset
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("reminders: invalid offset %q", part)
		}
		d := time.Duration(n) * time.Minute
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, Offset{Key: offsetKey(d), Before: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before > out[j].Before })
	return out, nil
}

func offsetKey(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("reminder_%dh", int(d/time.Hour))
	}
	return fmt.Sprintf("reminder_%dm", int(d/time.Minute))
}

type Scheduler struct {
	offsets  []Offset
	location *time.Location
	business string
}

func NewScheduler(offsets []Offset, location *time.Location, businessName string) *Scheduler {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	if location == nil {
		location = time.UTC
	}
	return &Scheduler{offsets: offsets, location: location, business: strings.TrimSpace(businessName)}
}

// Plan returns one pending reminder per offset that is still in the future.
// Appointments without a phone or email get none.
func (s *Scheduler) Plan(appt model.Appointment, now time.Time) []model.Reminder {
	channel, target := Target(appt)
	if target == "" {
		return nil
	}
	message := s.Message(appt)

	var out []model.Reminder
	for _, off := range s.offsets {
		at := appt.StartTime.Add(-off.Before)
		if !at.After(now) {
			continue
		}
		out = append(out, model.Reminder{
			AppointmentID: appt.ID,
			TemplateKey:   off.Key,
			Channel:       channel,
			Target:        target,
			Message:       message,
			ScheduledAt:   at.UTC(),
			Status:        model.ReminderPending,
		})
	}
	return out
}

// Target prefers the phone number over the email address.
func Target(appt model.Appointment) (channel, target string) {
	if phone := strings.TrimSpace(appt.CustomerPhone); phone != "" {
		return ChannelSMS, phone
	}
	if email := strings.TrimSpace(appt.CustomerEmail); email != "" {
		return ChannelEmail, email
	}
	return "", ""
}

func (s *Scheduler) Message(appt model.Appointment) string {
	local := appt.StartTime.In(s.location)
	where := ""
	if s.business != "" {
		where = " at " + s.business
	}
	return fmt.Sprintf("Hi %s, this is a reminder of your appointment%s on %s at %s (%s).",
		firstName(appt.CustomerName),
		where,
		local.Format("Mon Jan 2"),
		local.Format("3:04 PM"),
		local.Format("MST"),
	)
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
