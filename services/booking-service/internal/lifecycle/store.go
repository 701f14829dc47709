package lifecycle

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/pricing"
)

// Tx is the transactional view of persistence the state machine needs.
// Lookups return model.ErrNotFound; guarded writes return model.ErrStale when
// their precondition no longer holds and model.ErrSlotTaken on an occupancy
// conflict.
type Tx interface {
	ServicePricing(ctx context.Context, serviceID, staffID string) (pricing.Base, *pricing.Override, error)
	// LockSchedule serializes writers on one service and staff schedule until
	// the transaction ends.
	LockSchedule(ctx context.Context, serviceID, staffID string) error
	ListOccupants(ctx context.Context, serviceID, staffID string, window availability.Interval, excludeID string) ([]availability.Occupant, error)

	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	InsertAppointment(ctx context.Context, appt model.Appointment) error
	LockIdempotencyKey(ctx context.Context, scope, key string) (model.IdempotencyRecord, bool, error)
	FinalizeIdempotencyKey(ctx context.Context, scope, key, appointmentID string) error
	RescheduleAppointment(ctx context.Context, id string, version int64, start, end time.Time) (model.Appointment, error)
	TransitionAppointment(ctx context.Context, id string, guard model.Guard, to model.Status, reason string) (model.Appointment, error)
	ExpireUnpaid(ctx context.Context, id string, createdBefore time.Time) (model.Appointment, error)
	CompletePast(ctx context.Context, id string, startedBefore time.Time) (model.Appointment, error)

	InsertReminders(ctx context.Context, reminders []model.Reminder) (int64, error)
	AppendOutbox(ctx context.Context, evt outbox.Event) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// ReminderPlanner renders the reminder rows for a freshly confirmed appointment.
type ReminderPlanner interface {
	Plan(appt model.Appointment, now time.Time) []model.Reminder
}

type TransitionRecorder interface {
	RecordTransition(from, to string)
}
