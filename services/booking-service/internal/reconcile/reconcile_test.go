package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/reminders"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ledger is an in-memory reconcile.Tx. Methods the reconciler never calls
// fall through to the nil embedded interface.
type ledger struct {
	lifecycle.Tx
	mu        sync.Mutex
	appts     map[string]model.Appointment
	payments  []model.PaymentRecord
	reminders map[string]bool
	events    []string
}

func newLedger() *ledger {
	return &ledger{appts: map[string]model.Appointment{}, reminders: map[string]bool{}}
}

func (l *ledger) InTx(ctx context.Context, fn func(Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l)
}

func (l *ledger) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	a, ok := l.appts[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (l *ledger) TransitionAppointment(_ context.Context, id string, guard model.Guard, to model.Status, _ string) (model.Appointment, error) {
	a, ok := l.appts[id]
	if !ok || !guard.Allows(a) {
		return model.Appointment{}, model.ErrStale
	}
	a.Status = to
	a.Version++
	l.appts[id] = a
	return a, nil
}

func (l *ledger) InsertReminders(_ context.Context, rs []model.Reminder) (int64, error) {
	var n int64
	for _, r := range rs {
		key := r.AppointmentID + "/" + r.TemplateKey
		if !l.reminders[key] {
			l.reminders[key] = true
			n++
		}
	}
	return n, nil
}

func (l *ledger) AppendOutbox(_ context.Context, evt outbox.Event) error {
	l.events = append(l.events, evt.EventType)
	return nil
}

// UpdatePayment matches the session row when one exists and only falls back
// to the appointment's rows otherwise, like the SQL version.
func (l *ledger) UpdatePayment(_ context.Context, p model.PaymentRecord) (int64, error) {
	bySession := false
	for _, rec := range l.payments {
		if p.GatewaySessionID != "" && rec.GatewaySessionID == p.GatewaySessionID {
			bySession = true
		}
	}
	var n int64
	for i, rec := range l.payments {
		match := p.AppointmentID != "" && rec.AppointmentID == p.AppointmentID
		if bySession {
			match = rec.GatewaySessionID == p.GatewaySessionID
		}
		if match {
			l.payments[i].Status = p.Status
			l.payments[i].RawPayload = p.RawPayload
			n++
		}
	}
	return n, nil
}

// machineView lets a lifecycle.Service run its own transactions on the ledger.
type machineView struct{ *ledger }

func (v machineView) InTx(ctx context.Context, fn func(lifecycle.Tx) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fn(v.ledger)
}

func (l *ledger) InsertPayment(_ context.Context, p model.PaymentRecord) error {
	l.payments = append(l.payments, p)
	return nil
}

func (l *ledger) AppointmentIDForSession(_ context.Context, sessionID string) (string, error) {
	for _, rec := range l.payments {
		if rec.GatewaySessionID == sessionID {
			return rec.AppointmentID, nil
		}
	}
	return "", model.ErrNotFound
}

type fixedLookup struct {
	sessionID, appointmentID string
	calls                    int
}

func (f *fixedLookup) SessionForPaymentIntent(context.Context, string) (string, string, error) {
	f.calls++
	return f.sessionID, f.appointmentID, nil
}

type fixture struct {
	ledger *ledger
	rec    *Reconciler
	apptID string
}

func newFixture(t *testing.T, status model.Status, lookup SessionLookup) fixture {
	t.Helper()
	l := newLedger()
	id := uuid.NewString()
	l.appts[id] = model.Appointment{
		ID:            id,
		CustomerName:  "Ada",
		CustomerPhone: "+1555",
		StartTime:     time.Now().Add(72 * time.Hour),
		EndTime:       time.Now().Add(73 * time.Hour),
		Status:        status,
		DepositCents:  3000,
		Version:       1,
	}
	l.payments = append(l.payments, model.PaymentRecord{AppointmentID: id, GatewaySessionID: "cs_1", Status: model.PaymentPending})
	svc := lifecycle.NewService(nil, reminders.NewScheduler(nil, time.UTC, ""), discard(), lifecycle.Config{})
	return fixture{ledger: l, rec: NewReconciler(l, svc, lookup, discard(), nil), apptID: id}
}

func sessionEvent(t *testing.T, id, typ, sessionID, appointmentID string, amount int64) stripe.Event {
	t.Helper()
	obj := map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"amount_total":   amount,
		"payment_intent": "pi_1",
		"metadata":       map[string]string{},
	}
	if appointmentID != "" {
		obj["metadata"] = map[string]string{"appointment_id": appointmentID}
	}
	return event(t, id, typ, obj)
}

func event(t *testing.T, id, typ string, obj map[string]any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    typ,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": obj},
	})
	require.NoError(t, err)
	var evt stripe.Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	return evt
}

func TestClassify(t *testing.T) {
	cases := []struct {
		typ    string
		obj    map[string]any
		status model.PaymentStatus
	}{
		{"checkout.session.completed", map[string]any{"id": "cs_1", "object": "checkout.session"}, model.PaymentApproved},
		{"checkout.session.async_payment_succeeded", map[string]any{"id": "cs_1", "object": "checkout.session"}, model.PaymentApproved},
		{"checkout.session.async_payment_failed", map[string]any{"id": "cs_1", "object": "checkout.session"}, model.PaymentFailed},
		{"checkout.session.expired", map[string]any{"id": "cs_1", "object": "checkout.session"}, model.PaymentFailed},
		{"payment_intent.succeeded", map[string]any{"id": "pi_1", "object": "payment_intent"}, model.PaymentApproved},
		{"payment_intent.payment_failed", map[string]any{"id": "pi_1", "object": "payment_intent"}, model.PaymentFailed},
		{"payment_intent.canceled", map[string]any{"id": "pi_1", "object": "payment_intent"}, model.PaymentFailed},
		{"charge.refunded", map[string]any{"id": "ch_1", "object": "charge", "amount": 3000, "amount_refunded": 1000}, model.PaymentPartiallyRefunded},
		{"charge.refunded", map[string]any{"id": "ch_1", "object": "charge", "amount": 3000, "amount_refunded": 3000}, model.PaymentRefunded},
		{"customer.created", map[string]any{"id": "cus_1", "object": "customer"}, Ignored},
	}
	for i, tc := range cases {
		c, err := Classify(event(t, fmt.Sprintf("evt_%d", i), tc.typ, tc.obj))
		require.NoError(t, err, tc.typ)
		require.Equal(t, tc.status, c.Status, tc.typ)
	}
}

func TestClassifyExtractsReferences(t *testing.T) {
	c, err := Classify(event(t, "evt_1", "checkout.session.completed", map[string]any{
		"id":                  "cs_9",
		"object":              "checkout.session",
		"client_reference_id": "ref-1",
		"amount_total":        3000,
		"payment_intent":      "pi_9",
		"metadata":            map[string]string{"appointment_id": "appt-1"},
	}))
	require.NoError(t, err)
	require.Equal(t, Classified{
		EventID:         "evt_1",
		EventType:       "checkout.session.completed",
		Status:          model.PaymentApproved,
		SessionID:       "cs_9",
		PaymentIntentID: "pi_9",
		AppointmentID:   "appt-1",
		ClientReference: "ref-1",
		AmountCents:     3000,
	}, c)

	c, err = Classify(event(t, "evt_2", "payment_intent.succeeded", map[string]any{
		"id":              "pi_2",
		"object":          "payment_intent",
		"amount_received": 2500,
		"metadata":        map[string]string{"client_reference": "ref-2"},
	}))
	require.NoError(t, err)
	require.Equal(t, "ref-2", c.ClientReference)
	require.Equal(t, int64(2500), c.AmountCents)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, model.StatusPending, nil)
	evt := sessionEvent(t, "evt_1", "checkout.session.completed", "cs_1", "", 3000)
	c, err := Classify(evt)
	require.NoError(t, err)

	first, err := f.rec.Apply(context.Background(), c, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, first.Confirmed)
	require.Equal(t, f.apptID, first.AppointmentID)

	second, err := f.rec.Apply(context.Background(), c, []byte(`{}`))
	require.NoError(t, err)
	require.False(t, second.Confirmed)

	require.Equal(t, model.StatusConfirmed, f.ledger.appts[f.apptID].Status)
	require.Equal(t, model.PaymentApproved, f.ledger.payments[0].Status)
	require.Len(t, f.ledger.payments, 1)
	require.Len(t, f.ledger.reminders, 2)
	require.Equal(t, []string{lifecycle.EventConfirmed}, f.ledger.events)
}

func TestApplyLateFailureNeverDowngrades(t *testing.T) {
	f := newFixture(t, model.StatusConfirmed, nil)
	c, err := Classify(sessionEvent(t, "evt_2", "checkout.session.async_payment_failed", "cs_1", "", 0))
	require.NoError(t, err)

	out, err := f.rec.Apply(context.Background(), c, []byte(`{}`))
	require.NoError(t, err)
	require.False(t, out.Confirmed)
	require.Equal(t, model.StatusConfirmed, f.ledger.appts[f.apptID].Status)
	require.Equal(t, model.PaymentFailed, f.ledger.payments[0].Status)
	require.Empty(t, f.ledger.events)
}

func TestPaidDepositSurvivesLateFailureOnCancel(t *testing.T) {
	f := newFixture(t, model.StatusPending, nil)
	ctx := context.Background()

	c, err := Classify(sessionEvent(t, "evt_1", "checkout.session.completed", "cs_1", "", 3000))
	require.NoError(t, err)
	out, err := f.rec.Apply(ctx, c, nil)
	require.NoError(t, err)
	require.True(t, out.Confirmed)

	c, err = Classify(sessionEvent(t, "evt_2", "checkout.session.async_payment_failed", "cs_1", "", 0))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, c, nil)
	require.NoError(t, err)
	require.Equal(t, model.PaymentFailed, f.ledger.payments[0].Status)

	start := f.ledger.appts[f.apptID].StartTime
	machine := lifecycle.NewService(machineView{f.ledger}, nil, discard(), lifecycle.Config{CancellationThreshold: 24 * time.Hour},
		lifecycle.WithClock(func() time.Time { return start.Add(-10 * time.Hour) }))

	_, err = machine.Cancel(ctx, lifecycle.System, f.apptID, lifecycle.CancelRequest{})
	require.ErrorIs(t, err, lifecycle.ErrDepositForfeit)
	require.Equal(t, model.StatusConfirmed, f.ledger.appts[f.apptID].Status)

	res, err := machine.Cancel(ctx, lifecycle.System, f.apptID, lifecycle.CancelRequest{AcknowledgeForfeit: true})
	require.NoError(t, err)
	require.True(t, res.DepositForfeited)
	require.Equal(t, model.StatusCanceled, f.ledger.appts[f.apptID].Status)
}

func TestApplyTouchesOnlyTheEventSession(t *testing.T) {
	f := newFixture(t, model.StatusPending, nil)
	ctx := context.Background()
	f.ledger.payments = append(f.ledger.payments, model.PaymentRecord{AppointmentID: f.apptID, GatewaySessionID: "cs_2", Status: model.PaymentPending})

	c, err := Classify(sessionEvent(t, "evt_1", "checkout.session.completed", "cs_2", "", 3000))
	require.NoError(t, err)
	out, err := f.rec.Apply(ctx, c, nil)
	require.NoError(t, err)
	require.True(t, out.Confirmed)
	require.Equal(t, int64(1), out.PaymentsUpdated)
	require.Equal(t, model.PaymentPending, f.ledger.payments[0].Status)
	require.Equal(t, model.PaymentApproved, f.ledger.payments[1].Status)

	// The abandoned first session expires afterwards.
	c, err = Classify(sessionEvent(t, "evt_2", "checkout.session.expired", "cs_1", "", 0))
	require.NoError(t, err)
	out, err = f.rec.Apply(ctx, c, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), out.PaymentsUpdated)
	require.Equal(t, model.PaymentFailed, f.ledger.payments[0].Status)
	require.Equal(t, model.PaymentApproved, f.ledger.payments[1].Status)
	require.Equal(t, model.StatusConfirmed, f.ledger.appts[f.apptID].Status)
}

func TestApplyWithoutKnownSessionFallsBackToAppointment(t *testing.T) {
	f := newFixture(t, model.StatusPending, nil)
	c, err := Classify(sessionEvent(t, "evt_1", "checkout.session.async_payment_failed", "cs_unknown", f.apptID, 0))
	require.NoError(t, err)

	out, err := f.rec.Apply(context.Background(), c, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), out.PaymentsUpdated)
	require.Equal(t, model.PaymentFailed, f.ledger.payments[0].Status)
}

func TestApplyUnderpaymentDoesNotConfirm(t *testing.T) {
	f := newFixture(t, model.StatusPending, nil)
	c, err := Classify(sessionEvent(t, "evt_3", "checkout.session.completed", "cs_1", "", 1000))
	require.NoError(t, err)

	out, err := f.rec.Apply(context.Background(), c, nil)
	require.NoError(t, err)
	require.False(t, out.Confirmed)
	require.Equal(t, model.StatusPending, f.ledger.appts[f.apptID].Status)
}

func TestApplyUnmatchedIsAcknowledged(t *testing.T) {
	f := newFixture(t, model.StatusPending, nil)
	c, err := Classify(event(t, "evt_4", "payment_intent.succeeded", map[string]any{"id": "pi_x", "object": "payment_intent"}))
	require.NoError(t, err)

	out, err := f.rec.Apply(context.Background(), c, nil)
	require.NoError(t, err)
	require.True(t, out.Unmatched)
	require.Equal(t, model.StatusPending, f.ledger.appts[f.apptID].Status)

	c, err = Classify(sessionEvent(t, "evt_5", "checkout.session.completed", "cs_1", "not-a-uuid", 3000))
	require.NoError(t, err)
	out, err = f.rec.Apply(context.Background(), c, nil)
	require.NoError(t, err)
	require.True(t, out.Confirmed, "session lookup still resolves the appointment")
}

func TestApplyResolvesIntentThroughGateway(t *testing.T) {
	lookup := &fixedLookup{sessionID: "cs_1"}
	f := newFixture(t, model.StatusReserved, lookup)
	c, err := Classify(event(t, "evt_6", "payment_intent.succeeded", map[string]any{
		"id": "pi_1", "object": "payment_intent", "amount_received": 3000,
	}))
	require.NoError(t, err)

	out, err := f.rec.Apply(context.Background(), c, nil)
	require.NoError(t, err)
	require.Equal(t, 1, lookup.calls)
	require.True(t, out.Confirmed)
	require.Equal(t, model.StatusConfirmed, f.ledger.appts[f.apptID].Status)
}

type countingApplier struct{ calls int }

func (a *countingApplier) Apply(context.Context, Classified, []byte) (Outcome, error) {
	a.calls++
	return Outcome{}, nil
}

type memLog struct{ seen map[string]bool }

func (m *memLog) InsertWebhookEvent(_ context.Context, evt model.WebhookEvent) (bool, error) {
	dup := m.seen[evt.ProviderEventID]
	m.seen[evt.ProviderEventID] = true
	return dup, nil
}

func signed(t *testing.T, secret string, body []byte) string {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Header
}

func eventBody(id, typ string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":{"id":"cs_1","object":"checkout.session"}}}`, id, typ, time.Now().Unix()))
}

func TestIngestVerifiesSignature(t *testing.T) {
	applier := &countingApplier{}
	log := &memLog{seen: map[string]bool{}}
	ing, err := NewIngestor(IngestConfig{Secret: "whsec_test"}, log, nil, applier, discard(), nil)
	require.NoError(t, err)

	body := eventBody("evt_1", "checkout.session.completed")
	ack, err := ing.Ingest(context.Background(), body, signed(t, "whsec_test", body))
	require.NoError(t, err)
	require.Equal(t, model.PaymentApproved, ack.Status)
	require.False(t, ack.Duplicate)

	ack, err = ing.Ingest(context.Background(), body, signed(t, "whsec_test", body))
	require.NoError(t, err)
	require.True(t, ack.Duplicate, "duplicates are still acknowledged")
	require.Equal(t, 2, applier.calls)

	_, err = ing.Ingest(context.Background(), body, signed(t, "whsec_other", body))
	require.ErrorIs(t, err, ErrBadSignature)
	_, err = ing.Ingest(context.Background(), body, "")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestIngestIgnoredTypesSkipReconciliation(t *testing.T) {
	applier := &countingApplier{}
	ing, err := NewIngestor(IngestConfig{Insecure: true}, nil, nil, applier, discard(), nil)
	require.NoError(t, err)

	ack, err := ing.Ingest(context.Background(), eventBody("evt_9", "customer.created"), "")
	require.NoError(t, err)
	require.Equal(t, Ignored, ack.Status)
	require.Zero(t, applier.calls)

	_, err = ing.Ingest(context.Background(), []byte(`{not json`), "")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestIngestHeldClaimIsRetryable(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	claims := NewRedisClaimer(client, time.Minute)

	_, ok, err := claims.Claim(context.Background(), "evt_1")
	require.NoError(t, err)
	require.True(t, ok)

	applier := &countingApplier{}
	ing, err := NewIngestor(IngestConfig{Insecure: true}, nil, claims, applier, discard(), nil)
	require.NoError(t, err)

	_, err = ing.Ingest(context.Background(), eventBody("evt_1", "checkout.session.completed"), "")
	require.ErrorIs(t, err, ErrInProgress)
	require.Zero(t, applier.calls)

	_, err = ing.Ingest(context.Background(), eventBody("evt_2", "checkout.session.completed"), "")
	require.NoError(t, err)
	require.False(t, srv.Exists("webhook:claim:evt_2"), "claim is released after processing")
}

func TestNewIngestorRefusesUnsignedInProduction(t *testing.T) {
	_, err := NewIngestor(IngestConfig{Insecure: true, Production: true}, nil, nil, &countingApplier{}, discard(), nil)
	require.Error(t, err)
	_, err = NewIngestor(IngestConfig{}, nil, nil, &countingApplier{}, discard(), nil)
	require.Error(t, err)
}

func TestIngestPropagatesApplyErrors(t *testing.T) {
	ing, err := NewIngestor(IngestConfig{Insecure: true}, nil, nil, failingApplier{}, discard(), nil)
	require.NoError(t, err)
	_, err = ing.Ingest(context.Background(), eventBody("evt_1", "checkout.session.completed"), "")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrBadSignature) || errors.Is(err, ErrMalformed))
}

type failingApplier struct{}

func (failingApplier) Apply(context.Context, Classified, []byte) (Outcome, error) {
	return Outcome{}, errors.New("db down")
}
