// Package lifecycle owns the appointment status field. Every status change goes
// through a guarded write, so concurrent callers either win or get
// ErrStaleState; nothing is blindly overwritten.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
)

const (
	EventBooked      = "appointment.booked.v1"
	EventReserved    = "appointment.reserved.v1"
	EventConfirmed   = "appointment.confirmed.v1"
	EventRescheduled = "appointment.rescheduled.v1"
	EventCanceled    = "appointment.canceled.v1"
	EventCompleted   = "appointment.completed.v1"
)

const (
	ReasonCustomer      = "customer_request"
	ReasonDepositUnpaid = "deposit_unpaid"
)

type Config struct {
	// CancellationThreshold is how close to the start reschedules are refused
	// and cancellations forfeit a paid deposit.
	CancellationThreshold time.Duration
	Policy                availability.Policy
}

// Actor is the caller on whose behalf an operation runs.
type Actor struct {
	ID    string
	Staff bool
	// ManageToken is the token handed out at booking. It lets callers without
	// an identity reach that one appointment.
	ManageToken string
}

// System acts with staff rights; sweepers use it.
var System = Actor{Staff: true}

func (a Actor) mayModify(appt model.Appointment) bool {
	if a.Staff {
		return true
	}
	if a.ID != "" && a.ID == appt.CustomerID {
		return true
	}
	return holdsToken(appt, a.ManageToken)
}

// Result describes the outcome of a state machine call.
type Result struct {
	Appointment model.Appointment
	// From is the status before the transition.
	From             model.Status
	Transitioned     bool
	DepositForfeited bool
	RemindersQueued  int64
}

type Service struct {
	store    Store
	planner  ReminderPlanner
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
	recorder TransitionRecorder
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRecorder(r TransitionRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

func NewService(store Store, planner ReminderPlanner, logger *slog.Logger, cfg Config, opts ...Option) *Service {
	if cfg.CancellationThreshold <= 0 {
		cfg.CancellationThreshold = 24 * time.Hour
	}
	s := &Service{
		store:   store,
		planner: planner,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() availability.Policy { return s.cfg.Policy }

// Get returns an appointment the actor may see.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (model.Appointment, error) {
	var appt model.Appointment
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		appt, err = s.load(ctx, tx, actor, id)
		return err
	})
	return appt, err
}

func (s *Service) load(ctx context.Context, tx Tx, actor Actor, id string) (model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Appointment{}, reject(ErrInvalidRequest, "appointment id must be a uuid")
	}
	appt, err := tx.GetAppointment(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.Appointment{}, reject(ErrAppointmentNotFound, "no appointment %s", id)
	}
	if err != nil {
		return model.Appointment{}, err
	}
	if !actor.mayModify(appt) {
		// Reported as not found so ids cannot be enumerated.
		return model.Appointment{}, reject(ErrAppointmentNotFound, "no appointment %s", id)
	}
	return appt, nil
}

func (s *Service) emit(ctx context.Context, tx Tx, eventType string, appt model.Appointment, extra map[string]any) error {
	payload := map[string]any{
		"appointment_id": appt.ID,
		"customer_id":    appt.CustomerID,
		"service_id":     appt.ServiceID,
		"staff_id":       appt.StaffID,
		"status":         appt.Status,
		"start_time":     appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":       appt.EndTime.UTC().Format(time.RFC3339),
		"price_cents":    appt.PriceCents,
		"deposit_cents":  appt.DepositCents,
		"version":        appt.Version,
		"occurred_at":    s.now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	evt, err := outbox.NewAppointmentEvent(eventType, appt.ID, payload)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, evt)
}

func (s *Service) record(from, to model.Status) {
	if s.recorder != nil {
		s.recorder.RecordTransition(string(from), string(to))
	}
}

// guarded maps storage precondition failures onto the state machine's errors.
func guarded(err error) error {
	switch {
	case errors.Is(err, model.ErrStale):
		return reject(ErrStaleState, "appointment was modified by another request, reload and retry")
	case errors.Is(err, model.ErrSlotTaken):
		return reject(ErrSlotUnavailable, "the selected time is no longer available")
	case errors.Is(err, model.ErrNotFound):
		return reject(ErrAppointmentNotFound, "appointment disappeared")
	}
	return err
}
