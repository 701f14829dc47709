package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/pricing"
)

type catalogEntry struct {
	base     pricing.Base
	override *pricing.Override
}

// memStore is an in-memory Store. Each operation takes the lock on its own, so
// two transactions can interleave the way READ COMMITTED rows do.
type memStore struct {
	mu           sync.Mutex
	catalog      map[string]catalogEntry
	appts        map[string]model.Appointment
	paid         map[string]bool
	reminders    map[string]model.Reminder
	idem         map[string]string
	events       []outbox.Event
	afterGet     func()
	failOnOutbox error
	// calls logs schedule locks and occupancy reads in order.
	calls []string
}

func newMemStore() *memStore {
	return &memStore{
		catalog:   map[string]catalogEntry{},
		appts:     map[string]model.Appointment{},
		paid:      map[string]bool{},
		reminders: map[string]model.Reminder{},
		idem:      map[string]string{},
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return fn(m)
}

func (m *memStore) ServicePricing(_ context.Context, serviceID, staffID string) (pricing.Base, *pricing.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.catalog[serviceID+"/"+staffID]
	if !ok {
		e, ok = m.catalog[serviceID+"/"]
	}
	if !ok {
		return pricing.Base{}, nil, model.ErrNotFound
	}
	return e.base, e.override, nil
}

func (m *memStore) LockSchedule(_ context.Context, serviceID, staffID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "lock "+serviceID+"/"+staffID)
	return nil
}

func (m *memStore) ListOccupants(_ context.Context, serviceID, staffID string, window availability.Interval, excludeID string) ([]availability.Occupant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "occupants "+serviceID+"/"+staffID)
	var out []availability.Occupant
	for _, a := range m.appts {
		if a.ServiceID != serviceID || a.StaffID != staffID || a.ID == excludeID || a.Status.Terminal() {
			continue
		}
		occ := availability.Occupant{AppointmentID: a.ID, CustomerID: a.CustomerID, Start: a.StartTime, End: a.EndTime, BufferMin: a.BufferMin}
		if occ.Blocked().Overlaps(window) {
			out = append(out, occ)
		}
	}
	return out, nil
}

func (m *memStore) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	a, ok := m.appts[id]
	m.mu.Unlock()
	if m.afterGet != nil {
		m.afterGet()
	}
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (m *memStore) InsertAppointment(_ context.Context, appt model.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.ServiceID == appt.ServiceID && a.StaffID == appt.StaffID && !a.Status.Terminal() &&
			a.StartTime.Before(appt.EndTime) && appt.StartTime.Before(a.EndTime) {
			return model.ErrSlotTaken
		}
	}
	m.appts[appt.ID] = appt
	return nil
}

func (m *memStore) LockIdempotencyKey(_ context.Context, scope, key string) (model.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idem[scope+"/"+key]
	return model.IdempotencyRecord{Scope: scope, Key: key, AppointmentID: id}, ok, nil
}

func (m *memStore) FinalizeIdempotencyKey(_ context.Context, scope, key, appointmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[scope+"/"+key] = appointmentID
	return nil
}

func (m *memStore) RescheduleAppointment(_ context.Context, id string, version int64, start, end time.Time) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Version != version || (a.Status != model.StatusPending && a.Status != model.StatusReserved) {
		return model.Appointment{}, model.ErrStale
	}
	a.StartTime, a.EndTime = start, end
	a.Version++
	m.appts[id] = a
	return a, nil
}

func (m *memStore) TransitionAppointment(_ context.Context, id string, guard model.Guard, to model.Status, reason string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || !guard.Allows(a) {
		return model.Appointment{}, model.ErrStale
	}
	a.Status = to
	a.Version++
	if to == model.StatusCanceled {
		a.CancelReason = reason
	}
	m.appts[id] = a
	return a, nil
}

func (m *memStore) ExpireUnpaid(_ context.Context, id string, createdBefore time.Time) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != model.StatusPending || a.DepositCents <= 0 || !a.CreatedAt.Before(createdBefore) || m.paid[id] {
		return model.Appointment{}, model.ErrStale
	}
	a.Status = model.StatusCanceled
	a.CancelReason = ReasonDepositUnpaid
	a.Version++
	m.appts[id] = a
	return a, nil
}

func (m *memStore) CompletePast(_ context.Context, id string, startedBefore time.Time) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status.Terminal() || !a.StartTime.Before(startedBefore) {
		return model.Appointment{}, model.ErrStale
	}
	a.Status = model.StatusCompleted
	a.Version++
	m.appts[id] = a
	return a, nil
}

func (m *memStore) InsertReminders(_ context.Context, reminders []model.Reminder) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range reminders {
		key := r.AppointmentID + "/" + r.TemplateKey
		if _, exists := m.reminders[key]; exists {
			continue
		}
		m.reminders[key] = r
		n++
	}
	return n, nil
}

func (m *memStore) AppendOutbox(_ context.Context, evt outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOnOutbox != nil {
		return m.failOnOutbox
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}

type twoReminders struct{}

func (twoReminders) Plan(appt model.Appointment, now time.Time) []model.Reminder {
	return []model.Reminder{
		{AppointmentID: appt.ID, TemplateKey: "reminder_24h", ScheduledAt: appt.StartTime.Add(-24 * time.Hour)},
		{AppointmentID: appt.ID, TemplateKey: "reminder_2h", ScheduledAt: appt.StartTime.Add(-2 * time.Hour)},
	}
}

type countingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *countingRecorder) RecordTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, from+"->"+to)
}
