package model

import "time"

type ReminderStatus string

const (
	ReminderPending ReminderStatus = "pending"
	// ReminderSending is held by a dispatcher until its lease runs out.
	ReminderSending ReminderStatus = "sending"
	ReminderSent    ReminderStatus = "sent"
	ReminderError   ReminderStatus = "error"
)

type Reminder struct {
	ID            int64
	AppointmentID string
	TemplateKey   string
	Channel       string
	Target        string
	Message       string
	ScheduledAt   time.Time
	Status        ReminderStatus
	Attempts      int
	LastError     string
	SentAt        *time.Time
}
