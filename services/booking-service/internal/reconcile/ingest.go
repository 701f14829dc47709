package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const ProviderStripe = "stripe"

var (
	ErrBadSignature = errors.New("invalid webhook signature")
	ErrMalformed    = errors.New("malformed webhook payload")
	// ErrInProgress means another process holds the claim on this event.
	ErrInProgress = errors.New("webhook event is being processed")
)

type EventLog interface {
	InsertWebhookEvent(ctx context.Context, evt model.WebhookEvent) (duplicate bool, err error)
}

type Applier interface {
	Apply(ctx context.Context, c Classified, raw []byte) (Outcome, error)
}

type WebhookRecorder interface {
	RecordWebhook(result string)
}

type IngestConfig struct {
	// Secret is the endpoint signing secret. Empty requires Insecure.
	Secret    string
	Tolerance time.Duration
	// Insecure accepts unsigned bodies. Refused when Production is set.
	Insecure   bool
	Production bool
}

type Ingestor struct {
	cfg      IngestConfig
	events   EventLog
	claims   Claimer
	applier  Applier
	logger   *slog.Logger
	recorder WebhookRecorder
}

// Ack is the response for an event that was accepted, including ignored,
// unmatched and duplicate ones.
type Ack struct {
	EventID   string
	EventType string
	Status    model.PaymentStatus
	Duplicate bool
	Outcome   Outcome
}

// NewIngestor validates the verification mode. claims and recorder may be nil.
func NewIngestor(cfg IngestConfig, events EventLog, claims Claimer, applier Applier, logger *slog.Logger, recorder WebhookRecorder) (*Ingestor, error) {
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if cfg.Secret == "" {
		if !cfg.Insecure {
			return nil, errors.New("reconcile: STRIPE_WEBHOOK_SECRET is required unless STRIPE_WEBHOOK_INSECURE=true")
		}
		if cfg.Production {
			return nil, errors.New("reconcile: unsigned webhooks are not allowed in production")
		}
		logger.Warn("stripe webhook signature verification disabled")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &Ingestor{
		cfg:      cfg,
		events:   events,
		claims:   claims,
		applier:  applier,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// Ingest verifies, logs, claims, classifies and reconciles one delivery.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (Ack, error) {
	evt, err := i.parse(body, signature)
	if err != nil {
		i.record("rejected")
		return Ack{}, err
	}
	ack := Ack{EventID: evt.ID, EventType: string(evt.Type)}
	i.logger.Info("payment provider event received",
		"provider", ProviderStripe,
		"provider_event_id", evt.ID,
		"event_type", ack.EventType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	if i.events != nil {
		dup, err := i.events.InsertWebhookEvent(ctx, model.WebhookEvent{
			Provider:        ProviderStripe,
			ProviderEventID: evt.ID,
			EventType:       ack.EventType,
			Payload:         body,
			ReceivedAt:      time.Now().UTC(),
		})
		if err != nil {
			i.logger.Warn("webhook event log write failed", "provider_event_id", evt.ID, "err", err)
		}
		ack.Duplicate = dup
	}

	if i.claims != nil {
		release, ok, err := i.claims.Claim(ctx, evt.ID)
		switch {
		case err != nil:
			i.logger.Warn("webhook claim unavailable, continuing unclaimed", "provider_event_id", evt.ID, "err", err)
		case !ok:
			i.record("in_progress")
			return ack, ErrInProgress
		default:
			defer release()
		}
	}

	c, err := Classify(evt)
	if err != nil {
		i.record("rejected")
		return ack, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ack.Status = c.Status
	if c.Ignored() {
		i.record("ignored")
		return ack, nil
	}

	out, err := i.applier.Apply(ctx, c, body)
	if err != nil {
		i.record("error")
		return ack, err
	}
	ack.Outcome = out

	result := string(c.Status)
	switch {
	case out.Unmatched:
		result = "unmatched"
	case ack.Duplicate:
		result = "duplicate"
	}
	i.record(result)
	i.logger.Info("payment provider event reconciled",
		"provider_event_id", evt.ID,
		"status", c.Status,
		"appointment_id", out.AppointmentID,
		"confirmed", out.Confirmed,
		"duplicate", ack.Duplicate,
	)
	return ack, nil
}

func (i *Ingestor) parse(body []byte, signature string) (stripe.Event, error) {
	var evt stripe.Event
	if i.cfg.Secret != "" {
		if strings.TrimSpace(signature) == "" {
			return evt, fmt.Errorf("%w: missing Stripe-Signature header", ErrBadSignature)
		}
		verified, err := webhook.ConstructEventWithOptions(body, signature, i.cfg.Secret, webhook.ConstructEventOptions{
			Tolerance:                i.cfg.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return evt, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return verified, nil
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return evt, fmt.Errorf("%w: event id and type are required", ErrMalformed)
	}
	return evt, nil
}

func (i *Ingestor) record(result string) {
	if i.recorder != nil {
		i.recorder.RecordWebhook(result)
	}
}
