package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/stripe/stripe-go/v79"
)

// Ignored marks an event type that carries no payment state.
const Ignored model.PaymentStatus = ""

// Classified is what reconciliation needs from one gateway event.
type Classified struct {
	EventID         string
	EventType       string
	Status          model.PaymentStatus
	SessionID       string
	PaymentIntentID string
	AppointmentID   string
	ClientReference string
	AmountCents     int64
}

func (c Classified) Ignored() bool { return c.Status == Ignored }

// Classify maps a Stripe event onto a payment status and pulls out every
// reference it carries. Unknown types classify as Ignored without error.
func Classify(evt stripe.Event) (Classified, error) {
	c := Classified{EventID: evt.ID, EventType: string(evt.Type)}
	if evt.Data == nil {
		return c, nil
	}
	raw := evt.Data.Raw

	switch evt.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		c.Status = model.PaymentApproved
		return c, fromSession(raw, &c)
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		c.Status = model.PaymentFailed
		return c, fromSession(raw, &c)
	case "payment_intent.succeeded":
		c.Status = model.PaymentApproved
		return c, fromIntent(raw, &c)
	case "payment_intent.payment_failed", "payment_intent.canceled":
		c.Status = model.PaymentFailed
		return c, fromIntent(raw, &c)
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return c, fmt.Errorf("decode charge: %w", err)
		}
		c.Status = model.PaymentRefunded
		if ch.AmountRefunded < ch.Amount {
			c.Status = model.PaymentPartiallyRefunded
		}
		if ch.PaymentIntent != nil {
			c.PaymentIntentID = ch.PaymentIntent.ID
		}
		c.AppointmentID = metadata(ch.Metadata, "appointment_id")
		c.ClientReference = metadata(ch.Metadata, "client_reference")
		return c, nil
	}
	return c, nil
}

func fromSession(raw json.RawMessage, c *Classified) error {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	c.SessionID = s.ID
	c.AppointmentID = metadata(s.Metadata, "appointment_id")
	c.ClientReference = strings.TrimSpace(s.ClientReferenceID)
	c.AmountCents = s.AmountTotal
	if s.PaymentIntent != nil {
		c.PaymentIntentID = s.PaymentIntent.ID
	}
	return nil
}

func fromIntent(raw json.RawMessage, c *Classified) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}
	c.PaymentIntentID = pi.ID
	c.AppointmentID = metadata(pi.Metadata, "appointment_id")
	c.ClientReference = metadata(pi.Metadata, "client_reference")
	c.AmountCents = pi.AmountReceived
	return nil
}

func metadata(m map[string]string, key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[key])
}
