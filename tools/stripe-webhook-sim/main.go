// Command stripe-webhook-sim posts a signed Stripe event to the booking
// webhook, for exercising deposit reconciliation without a Stripe account.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

type options struct {
	eventID       string
	eventType     string
	appointmentID string
	sessionID     string
	intentID      string
	amountCents   int64
}

func main() {
	var (
		baseURL = flag.String("base-url", getenv("BASE_URL", "http://localhost:8083"), "booking service base url")
		secret  = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
		opts    options
	)
	flag.StringVar(&opts.eventType, "type", getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
	flag.StringVar(&opts.appointmentID, "appointment-id", getenv("APPOINTMENT_ID", ""), "appointment_id metadata")
	flag.StringVar(&opts.sessionID, "session-id", getenv("SESSION_ID", "cs_test_sim"), "checkout session id")
	flag.StringVar(&opts.intentID, "intent-id", getenv("PAYMENT_INTENT_ID", "pi_test_sim"), "payment intent id")
	flag.Int64Var(&opts.amountCents, "amount", 0, "amount paid or refunded in cents")
	flag.StringVar(&opts.eventID, "event-id", "", "event id; reuse one to replay a delivery")
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(opts.appointmentID) == "" && opts.sessionID == "" {
		fatal("APPOINTMENT_ID or SESSION_ID is required")
	}

	now := time.Now().UTC()
	if opts.eventID == "" {
		opts.eventID = fmt.Sprintf("evt_test_%d", now.UnixNano())
	}
	payload, err := buildEventJSON(opts, now)
	if err != nil {
		fatal(err.Error())
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("event=%s status=%d body=%s\n", opts.eventID, resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(o options, t time.Time) ([]byte, error) {
	metadata := map[string]any{}
	if o.appointmentID != "" {
		metadata["appointment_id"] = o.appointmentID
	}

	var object map[string]any
	switch o.eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		object = map[string]any{
			"id":                  o.sessionID,
			"object":              "checkout.session",
			"client_reference_id": o.appointmentID,
			"amount_total":        o.amountCents,
			"payment_intent":      o.intentID,
			"metadata":            metadata,
		}
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		object = map[string]any{
			"id":              o.intentID,
			"object":          "payment_intent",
			"amount_received": o.amountCents,
			"metadata":        metadata,
		}
	case "charge.refunded":
		object = map[string]any{
			"id":              "ch_test_sim",
			"object":          "charge",
			"amount":          o.amountCents,
			"amount_refunded": o.amountCents,
			"payment_intent":  o.intentID,
			"metadata":        metadata,
		}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", o.eventType)
	}

	return json.Marshal(map[string]any{
		"id":          o.eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        o.eventType,
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
