package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

type RescheduleRequest struct {
	Start time.Time
	// ExpectedVersion, when set, must match the stored version.
	ExpectedVersion int64
}

// Reschedule moves a pending or reserved appointment to a new start. Both the
// current and the new start must be more than the cancellation threshold away.
// Duration and status are kept.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id string, req RescheduleRequest) (model.Appointment, error) {
	now := s.now()
	if !req.Start.After(now) {
		return model.Appointment{}, reject(ErrInvalidRequest, "start must be in the future")
	}

	var updated model.Appointment
	err := s.store.InTx(ctx, func(tx Tx) error {
		appt, err := s.load(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusPending && appt.Status != model.StatusReserved {
			return reject(ErrIllegalTransition, "cannot reschedule a %s appointment", appt.Status)
		}
		if appt.StartTime.Sub(now) <= s.cfg.CancellationThreshold {
			return reject(ErrInsideThreshold, "rescheduling closes %s before the start", s.cfg.CancellationThreshold)
		}
		if req.Start.Sub(now) <= s.cfg.CancellationThreshold {
			return reject(ErrInsideThreshold, "the new start must be more than %s away", s.cfg.CancellationThreshold)
		}
		if req.ExpectedVersion != 0 && req.ExpectedVersion != appt.Version {
			return reject(ErrStaleState, "appointment is at version %d, not %d", appt.Version, req.ExpectedVersion)
		}

		duration := appt.EndTime.Sub(appt.StartTime)
		if err := s.checkSlot(ctx, tx, appt.ServiceID, appt.StaffID, req.Start, duration, appt.ID); err != nil {
			return err
		}
		updated, err = tx.RescheduleAppointment(ctx, appt.ID, appt.Version, req.Start.UTC(), req.Start.Add(duration).UTC())
		if err != nil {
			return guarded(err)
		}
		return s.emit(ctx, tx, EventRescheduled, updated, map[string]any{
			"previous_start_time": appt.StartTime.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment rescheduled", "appointment_id", updated.ID, "start_time", updated.StartTime)
	return updated, nil
}

type CancelRequest struct {
	Reason string
	// AcknowledgeForfeit confirms a cancellation that keeps a paid deposit.
	AcknowledgeForfeit bool
	ExpectedVersion    int64
}

// Cancel ends any non-terminal appointment. Inside the threshold with a paid
// deposit it returns ErrDepositForfeit unless the caller acknowledged it.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string, req CancelRequest) (Result, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = ReasonCustomer
	}
	now := s.now()

	var res Result
	var from model.Status
	err := s.store.InTx(ctx, func(tx Tx) error {
		appt, err := s.load(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return reject(ErrIllegalTransition, "appointment is already %s", appt.Status)
		}
		if req.ExpectedVersion != 0 && req.ExpectedVersion != appt.Version {
			return reject(ErrStaleState, "appointment is at version %d, not %d", appt.Version, req.ExpectedVersion)
		}

		if appt.StartTime.Sub(now) <= s.cfg.CancellationThreshold {
			paid := depositPaid(appt)
			if paid && !req.AcknowledgeForfeit {
				return reject(ErrDepositForfeit, "canceling within %s of the start keeps the %d deposit", s.cfg.CancellationThreshold, appt.DepositCents)
			}
			res.DepositForfeited = paid
		}

		from = appt.Status
		updated, err := tx.TransitionAppointment(ctx, appt.ID, model.Guard{
			From:    []model.Status{appt.Status},
			Version: appt.Version,
		}, model.StatusCanceled, reason)
		if err != nil {
			return guarded(err)
		}
		res.Appointment = updated
		res.From = from
		res.Transitioned = true
		return s.emit(ctx, tx, EventCanceled, updated, map[string]any{
			"reason":            reason,
			"deposit_forfeited": res.DepositForfeited,
		})
	})
	if err != nil {
		return Result{}, err
	}
	s.record(from, model.StatusCanceled)
	s.logger.Info("appointment canceled",
		"appointment_id", res.Appointment.ID,
		"reason", reason,
		"deposit_forfeited", res.DepositForfeited,
	)
	return res, nil
}

// depositPaid reads payment state from the appointment itself. Only an
// approved deposit confirms an appointment that requires one, and payment rows
// can still change after that through late gateway events.
func depositPaid(appt model.Appointment) bool {
	return appt.Status == model.StatusConfirmed && appt.RequiresDeposit()
}

// Reserve is a staff hold: pending becomes reserved without an online deposit.
func (s *Service) Reserve(ctx context.Context, actor Actor, id string) (model.Appointment, error) {
	if !actor.Staff {
		return model.Appointment{}, reject(ErrForbidden, "only staff can reserve appointments")
	}
	var updated model.Appointment
	err := s.store.InTx(ctx, func(tx Tx) error {
		appt, err := s.load(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusPending {
			return reject(ErrIllegalTransition, "cannot reserve a %s appointment", appt.Status)
		}
		updated, err = tx.TransitionAppointment(ctx, appt.ID, model.Guard{
			From:    []model.Status{model.StatusPending},
			Version: appt.Version,
		}, model.StatusReserved, "")
		if err != nil {
			return guarded(err)
		}
		return s.emit(ctx, tx, EventReserved, updated, nil)
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.record(model.StatusPending, model.StatusReserved)
	return updated, nil
}

// ConfirmWithoutDeposit lets staff confirm an appointment that has nothing to pay.
func (s *Service) ConfirmWithoutDeposit(ctx context.Context, actor Actor, id string) (Result, error) {
	if !actor.Staff {
		return Result{}, reject(ErrForbidden, "only staff can confirm appointments")
	}
	var res Result
	var from model.Status
	err := s.store.InTx(ctx, func(tx Tx) error {
		appt, err := s.load(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if appt.RequiresDeposit() {
			return reject(ErrIllegalTransition, "a %d deposit must be paid before confirmation", appt.DepositCents)
		}
		if appt.Status != model.StatusPending && appt.Status != model.StatusReserved {
			return reject(ErrIllegalTransition, "cannot confirm a %s appointment", appt.Status)
		}
		from = appt.Status
		res, err = s.confirm(ctx, tx, appt)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if res.Transitioned {
		s.record(from, model.StatusConfirmed)
	}
	return res, nil
}

// ConfirmPayment applies an approved payment in its own transaction.
func (s *Service) ConfirmPayment(ctx context.Context, appointmentID string, paidCents int64) (Result, error) {
	var res Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		res, err = s.ConfirmPaymentInTx(ctx, tx, appointmentID, paidCents)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if res.Transitioned {
		s.RecordConfirmed(res.From)
	}
	return res, nil
}

// ConfirmPaymentInTx moves a pending or reserved appointment to confirmed and
// queues its reminders. Appointments already past that point are left alone,
// so duplicate and late events are no-ops. A known paid amount below the
// deposit does not confirm. paidCents <= 0 means the amount is unknown.
//
// The caller must record the transition with RecordConfirmed after commit.
func (s *Service) ConfirmPaymentInTx(ctx context.Context, tx Tx, appointmentID string, paidCents int64) (Result, error) {
	appt, err := tx.GetAppointment(ctx, appointmentID)
	if errors.Is(err, model.ErrNotFound) {
		return Result{}, reject(ErrAppointmentNotFound, "no appointment %s", appointmentID)
	}
	if err != nil {
		return Result{}, err
	}
	if appt.Status != model.StatusPending && appt.Status != model.StatusReserved {
		return Result{Appointment: appt}, nil
	}
	if paidCents > 0 && paidCents < appt.DepositCents {
		s.logger.Warn("payment below required deposit",
			"appointment_id", appt.ID,
			"paid_cents", paidCents,
			"deposit_cents", appt.DepositCents,
		)
		return Result{Appointment: appt}, nil
	}
	return s.confirm(ctx, tx, appt)
}

// RecordConfirmed reports a committed confirmation to the transition recorder.
func (s *Service) RecordConfirmed(from model.Status) {
	s.record(from, model.StatusConfirmed)
}

func (s *Service) confirm(ctx context.Context, tx Tx, appt model.Appointment) (Result, error) {
	updated, err := tx.TransitionAppointment(ctx, appt.ID, model.Guard{
		From: []model.Status{model.StatusPending, model.StatusReserved},
	}, model.StatusConfirmed, "")
	if errors.Is(err, model.ErrStale) {
		// Lost a race with another confirmation or a cancellation.
		current, getErr := tx.GetAppointment(ctx, appt.ID)
		if getErr != nil {
			return Result{}, getErr
		}
		return Result{Appointment: current}, nil
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{Appointment: updated, From: appt.Status, Transitioned: true}
	if s.planner != nil {
		reminders := s.planner.Plan(updated, s.now())
		if len(reminders) > 0 {
			n, err := tx.InsertReminders(ctx, reminders)
			if err != nil {
				return Result{}, err
			}
			res.RemindersQueued = n
		}
	}
	if err := s.emit(ctx, tx, EventConfirmed, updated, map[string]any{
		"reminders_queued": res.RemindersQueued,
	}); err != nil {
		return Result{}, err
	}
	s.logger.Info("appointment confirmed",
		"appointment_id", updated.ID,
		"previous_status", appt.Status,
		"reminders_queued", res.RemindersQueued,
	)
	return res, nil
}

// ExpireIfUnpaid cancels a pending appointment created before createdBefore
// whose deposit is still unpaid. Eligibility is re-checked by the write itself;
// an appointment that no longer qualifies is skipped without error.
func (s *Service) ExpireIfUnpaid(ctx context.Context, id string, createdBefore time.Time) (Result, error) {
	var res Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		updated, err := tx.ExpireUnpaid(ctx, id, createdBefore)
		if errors.Is(err, model.ErrStale) || errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res = Result{Appointment: updated, From: model.StatusPending, Transitioned: true}
		return s.emit(ctx, tx, EventCanceled, updated, map[string]any{
			"reason":            ReasonDepositUnpaid,
			"deposit_forfeited": false,
		})
	})
	if err != nil {
		return Result{}, err
	}
	if res.Transitioned {
		s.record(model.StatusPending, model.StatusCanceled)
	}
	return res, nil
}

// CompleteIfPast completes a non-terminal appointment that started before
// startedBefore, whatever its payment state.
func (s *Service) CompleteIfPast(ctx context.Context, id string, startedBefore time.Time) (Result, error) {
	var res Result
	var from model.Status
	err := s.store.InTx(ctx, func(tx Tx) error {
		before, err := tx.GetAppointment(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		updated, err := tx.CompletePast(ctx, id, startedBefore)
		if errors.Is(err, model.ErrStale) {
			return nil
		}
		if err != nil {
			return err
		}
		from = before.Status
		res = Result{Appointment: updated, From: from, Transitioned: true}
		return s.emit(ctx, tx, EventCompleted, updated, nil)
	})
	if err != nil {
		return Result{}, err
	}
	if res.Transitioned {
		s.record(from, model.StatusCompleted)
	}
	return res, nil
}
