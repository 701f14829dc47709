package storage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

// InsertPayment records a payment, normally the pending row written when a
// checkout session is created.
func (q *Queries) InsertPayment(ctx context.Context, p model.PaymentRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (appointment_id, gateway_session_id, payment_intent_id, status, amount_cents, raw_payload)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
	`, p.AppointmentID, p.GatewaySessionID, p.PaymentIntentID, p.Status, p.AmountCents, jsonOrNull(p.RawPayload))
	return err
}

// InsertCheckoutPayment writes the pending row for a checkout session. A
// session that is already recorded, as on an idempotent retry, is kept.
func (q *Queries) InsertCheckoutPayment(ctx context.Context, p model.PaymentRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (appointment_id, gateway_session_id, payment_intent_id, status, amount_cents)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (gateway_session_id) DO NOTHING
	`, p.AppointmentID, p.GatewaySessionID, p.PaymentIntentID, p.Status, p.AmountCents)
	return err
}

// UpdatePayment sets status and raw payload on the row for the gateway session
// when one exists. Only when no row carries that session does it fall back to
// every row of the appointment. Empty identifiers never match. Known intent ids
// and amounts are filled in; unknown ones keep the stored value.
func (q *Queries) UpdatePayment(ctx context.Context, p model.PaymentRecord) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE payments
		SET status = $3,
			raw_payload = $4,
			payment_intent_id = COALESCE(NULLIF($5, ''), payment_intent_id),
			amount_cents = CASE WHEN $6 > 0 THEN $6 ELSE amount_cents END,
			updated_at = now()
		WHERE CASE
			WHEN $1 <> '' AND EXISTS (SELECT 1 FROM payments WHERE gateway_session_id = $1)
				THEN gateway_session_id = $1
			ELSE $2 <> '' AND appointment_id::text = $2
		END
	`, p.GatewaySessionID, p.AppointmentID, p.Status, jsonOrNull(p.RawPayload), p.PaymentIntentID, p.AmountCents)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AppointmentIDForSession resolves a checkout session we created ourselves.
func (q *Queries) AppointmentIDForSession(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := q.db.QueryRow(ctx, `
		SELECT appointment_id::text
		FROM payments
		WHERE gateway_session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID).Scan(&id)
	if IsNotFound(err) {
		return "", model.ErrNotFound
	}
	return id, err
}

// InsertWebhookEvent appends to the event log. duplicate is true when the
// provider event id was already logged.
func (s *Store) InsertWebhookEvent(ctx context.Context, evt model.WebhookEvent) (duplicate bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, jsonOrNull(evt.Payload))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}

// jsonOrNull keeps malformed payloads out of jsonb columns.
func jsonOrNull(raw []byte) any {
	if len(strings.TrimSpace(string(raw))) == 0 || !json.Valid(raw) {
		return nil
	}
	return string(raw)
}
