package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/pricing"
)

type BookRequest struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	ServiceID     string
	StaffID       string
	Start         time.Time
	// IdempotencyKey makes a retried request return the appointment created by
	// the first one.
	IdempotencyKey string
}

// Book creates a pending appointment. Price, deposit and buffer are resolved
// once here and stored on the row. The returned appointment carries a fresh
// manage token; a replayed request gets none, since only its hash is stored.
func (s *Service) Book(ctx context.Context, req BookRequest) (model.Appointment, error) {
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.StaffID = strings.TrimSpace(req.StaffID)
	if req.ServiceID == "" || req.CustomerID == "" {
		return model.Appointment{}, reject(ErrInvalidRequest, "service_id and customer_id are required")
	}
	now := s.now()
	if !req.Start.After(now) {
		return model.Appointment{}, reject(ErrInvalidRequest, "start must be in the future")
	}

	key := strings.TrimSpace(req.IdempotencyKey)

	var appt model.Appointment
	replayed := false
	err := s.store.InTx(ctx, func(tx Tx) error {
		if key != "" {
			rec, existed, err := tx.LockIdempotencyKey(ctx, req.CustomerID, key)
			if err != nil {
				return err
			}
			if existed && rec.AppointmentID != "" {
				appt, err = tx.GetAppointment(ctx, rec.AppointmentID)
				replayed = err == nil
				return err
			}
		}

		resolved, err := s.resolvePricing(ctx, tx, req.ServiceID, req.StaffID)
		if err != nil {
			return err
		}
		duration := time.Duration(resolved.DurationMin) * time.Minute
		end := req.Start.Add(duration)

		if err := s.checkSlot(ctx, tx, req.ServiceID, req.StaffID, req.Start, duration, ""); err != nil {
			return err
		}

		token, err := newManageToken()
		if err != nil {
			return err
		}
		appt = model.Appointment{
			ID:            s.newID(),
			CustomerID:    req.CustomerID,
			CustomerName:  strings.TrimSpace(req.CustomerName),
			CustomerEmail: strings.TrimSpace(req.CustomerEmail),
			CustomerPhone: strings.TrimSpace(req.CustomerPhone),
			ServiceID:     req.ServiceID,
			StaffID:       req.StaffID,
			StartTime:     req.Start.UTC(),
			EndTime:       end.UTC(),
			BufferMin:     resolved.BufferMin,
			Status:        model.StatusPending,
			PriceCents:    resolved.PriceCents,
			DepositCents:  resolved.DepositCents,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,

			ManageTokenHash: hashManageToken(token),
		}
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return guarded(err)
		}
		appt.ManageToken = token
		if key != "" {
			if err := tx.FinalizeIdempotencyKey(ctx, req.CustomerID, key, appt.ID); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, EventBooked, appt, nil)
	})
	if err != nil {
		return model.Appointment{}, err
	}
	if replayed {
		s.logger.Info("booking replayed", "appointment_id", appt.ID, "idempotency_key", key)
		return appt, nil
	}
	s.record("", model.StatusPending)
	s.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"service_id", appt.ServiceID,
		"start_time", appt.StartTime,
		"deposit_cents", appt.DepositCents,
	)
	return appt, nil
}

func (s *Service) resolvePricing(ctx context.Context, tx Tx, serviceID, staffID string) (pricing.Resolved, error) {
	base, override, err := tx.ServicePricing(ctx, serviceID, staffID)
	if errors.Is(err, model.ErrNotFound) {
		return pricing.Resolved{}, reject(ErrServiceNotFound, "no service %s", serviceID)
	}
	if err != nil {
		return pricing.Resolved{}, err
	}
	resolved := pricing.Resolve(base, override)
	if resolved.Clamped {
		s.logger.Warn("catalog pricing clamped", "service_id", serviceID, "staff_id", staffID)
	}
	if resolved.DurationMin <= 0 {
		return pricing.Resolved{}, reject(ErrServiceNotFound, "service %s has no bookable duration", serviceID)
	}
	return resolved, nil
}

// checkSlot validates [start, start+duration) against the operating window and
// the current occupants. excludeID skips the appointment being moved. The
// schedule lock it takes is held until the transaction ends, so the occupancy
// read and the following write cannot interleave with another writer's. The
// exclusion constraint only covers [start, end), not the buffer.
func (s *Service) checkSlot(ctx context.Context, tx Tx, serviceID, staffID string, start time.Time, duration time.Duration, excludeID string) error {
	if !s.cfg.Policy.Fits(start, duration) {
		return reject(ErrSlotUnavailable, "start is outside operating hours or off the slot grid")
	}
	if err := tx.LockSchedule(ctx, serviceID, staffID); err != nil {
		return err
	}
	candidate := availability.Interval{Start: start, End: start.Add(duration)}
	occupants, err := tx.ListOccupants(ctx, serviceID, staffID, candidate, excludeID)
	if err != nil {
		return err
	}
	if availability.Overlaps(candidate, occupants) {
		return reject(ErrSlotUnavailable, "the selected time overlaps another appointment")
	}
	return nil
}

type SlotQuery struct {
	ServiceID string
	StaffID   string
	Day       time.Time
}

// Slots lists bookable start times for one business day.
func (s *Service) Slots(ctx context.Context, q SlotQuery) ([]time.Time, error) {
	var slots []time.Time
	err := s.store.InTx(ctx, func(tx Tx) error {
		resolved, err := s.resolvePricing(ctx, tx, q.ServiceID, q.StaffID)
		if err != nil {
			return err
		}
		bounds := s.cfg.Policy.DayBounds(q.Day)
		occupants, err := tx.ListOccupants(ctx, q.ServiceID, q.StaffID, bounds, "")
		if err != nil {
			return err
		}
		slots = s.cfg.Policy.DaySlots(q.Day, time.Duration(resolved.DurationMin)*time.Minute, occupants, s.now())
		return nil
	})
	return slots, err
}

type CalendarQuery struct {
	ServiceID  string
	StaffID    string
	From       time.Time
	To         time.Time
	CustomerID string
}

const maxCalendarDays = 62

func (s *Service) Calendar(ctx context.Context, q CalendarQuery) ([]availability.Day, error) {
	if q.To.Before(q.From) {
		return nil, reject(ErrInvalidRequest, "to must not be before from")
	}
	window := availability.Interval{
		Start: s.cfg.Policy.DayBounds(q.From).Start,
		End:   s.cfg.Policy.DayBounds(q.To).End,
	}
	if window.End.Sub(window.Start) > maxCalendarDays*24*time.Hour+time.Hour {
		return nil, reject(ErrInvalidRequest, "calendar range is limited to %d days", maxCalendarDays)
	}

	var days []availability.Day
	err := s.store.InTx(ctx, func(tx Tx) error {
		resolved, err := s.resolvePricing(ctx, tx, q.ServiceID, q.StaffID)
		if err != nil {
			return err
		}
		occupants, err := tx.ListOccupants(ctx, q.ServiceID, q.StaffID, window, "")
		if err != nil {
			return err
		}
		days = s.cfg.Policy.Calendar(q.From, q.To, time.Duration(resolved.DurationMin)*time.Minute, occupants, q.CustomerID, s.now())
		return nil
	})
	return days, err
}
