package reconcile

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
)

// SessionLookup finds the checkout session that created a payment intent.
type SessionLookup interface {
	SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (sessionID, appointmentID string, err error)
}

type StripeSessionLookup struct {
	client checkoutsession.Client
}

func NewStripeSessionLookup(secretKey string) *StripeSessionLookup {
	return &StripeSessionLookup{client: checkoutsession.Client{
		B:   stripe.GetBackend(stripe.APIBackend),
		Key: strings.TrimSpace(secretKey),
	}}
}

func (l *StripeSessionLookup) SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (string, string, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := l.client.List(params)
	for it.Next() {
		s := it.CheckoutSession()
		appointmentID := metadata(s.Metadata, "appointment_id")
		if appointmentID == "" {
			appointmentID = strings.TrimSpace(s.ClientReferenceID)
		}
		return s.ID, appointmentID, nil
	}
	return "", "", it.Err()
}
