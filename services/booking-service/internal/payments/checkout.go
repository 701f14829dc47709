// Package payments opens Stripe Checkout sessions for appointment deposits.
// The session carries the appointment id in its metadata and client reference
// so the webhook can be matched back without our own lookup table.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
)

var (
	ErrNotConfigured = errors.New("checkout is not configured")
	ErrNothingDue    = errors.New("no deposit is due")
	ErrGateway       = errors.New("payment gateway error")
)

// SessionCreator is satisfied by *checkoutsession.Client.
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type AppointmentReader interface {
	Get(ctx context.Context, actor lifecycle.Actor, id string) (model.Appointment, error)
}

type Tx interface {
	InsertCheckoutPayment(ctx context.Context, p model.PaymentRecord) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Config struct {
	Currency    string
	ProductName string
	// Default return URLs; a request may override them.
	SuccessURL string
	CancelURL  string
}

type Checkout struct {
	cfg     Config
	creator SessionCreator
	appts   AppointmentReader
	store   Store
	logger  *slog.Logger
}

// NewStripeCreator returns a session client bound to secretKey, or nil when
// the key is empty.
func NewStripeCreator(secretKey string) SessionCreator {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil
	}
	return &checkoutsession.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
}

func NewCheckout(cfg Config, creator SessionCreator, appts AppointmentReader, store Store, logger *slog.Logger) *Checkout {
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if strings.TrimSpace(cfg.ProductName) == "" {
		cfg.ProductName = "Appointment deposit"
	}
	return &Checkout{cfg: cfg, creator: creator, appts: appts, store: store, logger: logger}
}

func (c *Checkout) Enabled() bool { return c != nil && c.creator != nil }

type Request struct {
	AppointmentID  string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type Session struct {
	ID            string
	URL           string
	AppointmentID string
	AmountCents   int64
	Currency      string
}

// Create opens a payment-mode session for the appointment's deposit and writes
// the pending payment record for it.
func (c *Checkout) Create(ctx context.Context, actor lifecycle.Actor, req Request) (Session, error) {
	if !c.Enabled() {
		return Session{}, ErrNotConfigured
	}
	appt, err := c.appts.Get(ctx, actor, req.AppointmentID)
	if err != nil {
		return Session{}, err
	}
	if appt.Status != model.StatusPending && appt.Status != model.StatusReserved {
		return Session{}, fmt.Errorf("%w: cannot pay a deposit on a %s appointment", lifecycle.ErrIllegalTransition, appt.Status)
	}
	if !appt.RequiresDeposit() {
		return Session{}, ErrNothingDue
	}

	successURL := firstNonEmpty(req.SuccessURL, c.cfg.SuccessURL)
	cancelURL := firstNonEmpty(req.CancelURL, c.cfg.CancelURL)
	if successURL == "" || cancelURL == "" {
		return Session{}, fmt.Errorf("%w: success_url and cancel_url are required", lifecycle.ErrInvalidRequest)
	}

	refs := map[string]string{
		"appointment_id":   appt.ID,
		"client_reference": appt.ID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(appt.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.cfg.Currency),
					UnitAmount: stripe.Int64(appt.DepositCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(c.cfg.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata:          refs,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: refs},
	}
	if appt.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(appt.CustomerEmail)
	}
	params.Context = ctx

	// A retried request reuses the session Stripe already created for it.
	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey == "" {
		idemKey = fmt.Sprintf("deposit-%s-v%d", appt.ID, appt.Version)
	}
	params.IdempotencyKey = stripe.String(idemKey)

	sess, err := c.creator.New(params)
	if err != nil {
		c.logger.Error("stripe checkout session create failed", "appointment_id", appt.ID, "err", err)
		return Session{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	rec := model.PaymentRecord{
		AppointmentID:    appt.ID,
		GatewaySessionID: sess.ID,
		Status:           model.PaymentPending,
		AmountCents:      appt.DepositCents,
	}
	if sess.PaymentIntent != nil {
		rec.PaymentIntentID = sess.PaymentIntent.ID
	}
	if err := c.store.InTx(ctx, func(tx Tx) error {
		return tx.InsertCheckoutPayment(ctx, rec)
	}); err != nil {
		return Session{}, err
	}

	c.logger.Info("deposit checkout created",
		"appointment_id", appt.ID,
		"session_id", sess.ID,
		"deposit_cents", appt.DepositCents,
	)
	return Session{
		ID:            sess.ID,
		URL:           sess.URL,
		AppointmentID: appt.ID,
		AmountCents:   appt.DepositCents,
		Currency:      c.cfg.Currency,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
