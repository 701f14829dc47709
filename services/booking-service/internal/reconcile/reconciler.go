// Package reconcile turns payment gateway webhooks into payment record
// updates and appointment confirmations. Applying the same event twice has the
// same effect as applying it once, and a late failure never moves an
// appointment backwards.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Tx interface {
	lifecycle.Tx
	UpdatePayment(ctx context.Context, p model.PaymentRecord) (int64, error)
	InsertPayment(ctx context.Context, p model.PaymentRecord) error
	AppointmentIDForSession(ctx context.Context, sessionID string) (string, error)
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Confirmer is the part of the state machine reconciliation drives.
type Confirmer interface {
	ConfirmPaymentInTx(ctx context.Context, tx lifecycle.Tx, appointmentID string, paidCents int64) (lifecycle.Result, error)
	RecordConfirmed(from model.Status)
}

// Outcome summarizes what Apply did with one event.
type Outcome struct {
	AppointmentID   string
	Status          model.PaymentStatus
	Unmatched       bool
	PaymentsUpdated int64
	Confirmed       bool
}

type Reconciler struct {
	store     Store
	confirmer Confirmer
	lookup    SessionLookup
	logger    *slog.Logger
	tracer    trace.Tracer
	timeout   time.Duration
}

// NewReconciler wires the reconciliation stage. lookup may be nil when no
// gateway key is configured; intent-only events are then matched on their
// own references.
func NewReconciler(store Store, confirmer Confirmer, lookup SessionLookup, logger *slog.Logger, tracer trace.Tracer) *Reconciler {
	return &Reconciler{
		store:     store,
		confirmer: confirmer,
		lookup:    lookup,
		logger:    logger,
		tracer:    tracer,
		timeout:   5 * time.Second,
	}
}

// Apply resolves the appointment behind c and, in one transaction, updates its
// payment record and confirms it on approval. Events it cannot match are
// acknowledged with Outcome.Unmatched.
func (r *Reconciler) Apply(ctx context.Context, c Classified, raw []byte) (Outcome, error) {
	if c.Ignored() {
		return Outcome{}, nil
	}
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "reconcile.apply", trace.WithAttributes(
			attribute.String("payment.event_id", c.EventID),
			attribute.String("payment.event_type", c.EventType),
			attribute.String("payment.status", string(c.Status)),
		))
		defer span.End()
	}

	c = r.resolveViaGateway(ctx, c)
	out := Outcome{Status: c.Status}
	var confirmed lifecycle.Result

	err := r.store.InTx(ctx, func(tx Tx) error {
		appointmentID, err := r.resolveAppointment(ctx, tx, c)
		if err != nil {
			return err
		}
		if appointmentID == "" && c.SessionID == "" {
			out.Unmatched = true
			return nil
		}
		out.AppointmentID = appointmentID

		rec := model.PaymentRecord{
			AppointmentID:    appointmentID,
			GatewaySessionID: c.SessionID,
			PaymentIntentID:  c.PaymentIntentID,
			Status:           c.Status,
			AmountCents:      c.AmountCents,
			RawPayload:       raw,
		}
		n, err := tx.UpdatePayment(ctx, rec)
		if err != nil {
			return err
		}
		if n == 0 && appointmentID != "" {
			// No checkout row, e.g. a payment taken outside our checkout flow.
			if _, err := tx.GetAppointment(ctx, appointmentID); errors.Is(err, model.ErrNotFound) {
				out.Unmatched = true
				return nil
			} else if err != nil {
				return err
			}
			if err := tx.InsertPayment(ctx, rec); err != nil {
				return err
			}
			n = 1
		}
		if n == 0 {
			out.Unmatched = true
			return nil
		}
		out.PaymentsUpdated = n

		if c.Status != model.PaymentApproved || appointmentID == "" {
			return nil
		}
		confirmed, err = r.confirmer.ConfirmPaymentInTx(ctx, tx, appointmentID, c.AmountCents)
		if errors.Is(err, lifecycle.ErrAppointmentNotFound) {
			// Payment for an appointment this service never created.
			r.logger.Warn("approved payment references unknown appointment",
				"appointment_id", appointmentID,
				"provider_event_id", c.EventID,
			)
			out.Unmatched = true
			return nil
		}
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if confirmed.Transitioned {
		r.confirmer.RecordConfirmed(confirmed.From)
		out.Confirmed = true
	}
	if out.Unmatched {
		r.logger.Info("payment event unmatched",
			"provider_event_id", c.EventID,
			"event_type", c.EventType,
			"session_id", c.SessionID,
			"payment_intent_id", c.PaymentIntentID,
		)
	}
	return out, nil
}

// resolveViaGateway fills the session and appointment of an intent-level
// event that carries neither, by asking the gateway for the parent session.
func (r *Reconciler) resolveViaGateway(ctx context.Context, c Classified) Classified {
	if r.lookup == nil || c.PaymentIntentID == "" || c.SessionID != "" || c.AppointmentID != "" || c.ClientReference != "" {
		return c
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	sessionID, appointmentID, err := r.lookup.SessionForPaymentIntent(ctx, c.PaymentIntentID)
	if err != nil {
		r.logger.Warn("checkout session lookup failed", "payment_intent_id", c.PaymentIntentID, "err", err)
		return c
	}
	c.SessionID = sessionID
	c.AppointmentID = appointmentID
	return c
}

// resolveAppointment prefers explicit metadata, then the client reference,
// then the payment record written for the session at checkout.
func (r *Reconciler) resolveAppointment(ctx context.Context, tx Tx, c Classified) (string, error) {
	for _, ref := range []string{c.AppointmentID, c.ClientReference} {
		if ref == "" {
			continue
		}
		if _, err := uuid.Parse(ref); err != nil {
			r.logger.Warn("ignoring malformed appointment reference", "reference", ref, "provider_event_id", c.EventID)
			continue
		}
		return ref, nil
	}
	if c.SessionID == "" {
		return "", nil
	}
	id, err := tx.AppointmentIDForSession(ctx, c.SessionID)
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	return id, err
}
