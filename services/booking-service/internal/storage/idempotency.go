package storage

import (
	"context"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

// LockIdempotencyKey returns the record for (scope, key) locked FOR UPDATE,
// creating it when missing. The bool is true when the record already existed,
// so a concurrent duplicate waits on the lock and then sees the finished row.
func (q *Queries) LockIdempotencyKey(ctx context.Context, scope, key string) (model.IdempotencyRecord, bool, error) {
	rec, err := q.selectIdempotencyForUpdate(ctx, scope, key)
	if err == nil {
		return rec, true, nil
	}
	if !IsNotFound(err) {
		return model.IdempotencyRecord{}, false, err
	}

	_, err = q.db.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (scope, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (scope, idempotency_key) DO NOTHING
	`, scope, key)
	if err != nil {
		return model.IdempotencyRecord{}, false, err
	}

	rec, err = q.selectIdempotencyForUpdate(ctx, scope, key)
	if err != nil {
		return model.IdempotencyRecord{}, false, err
	}
	return rec, rec.AppointmentID != "", nil
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, scope, key, appointmentID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			updated_at = now()
		WHERE scope = $1 AND idempotency_key = $2
	`, scope, key, appointmentID)
	return err
}

func (q *Queries) selectIdempotencyForUpdate(ctx context.Context, scope, key string) (model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := q.db.QueryRow(ctx, `
		SELECT scope, idempotency_key, COALESCE(appointment_id::text, '')
		FROM booking_idempotency_keys
		WHERE scope = $1 AND idempotency_key = $2
		FOR UPDATE
	`, scope, key).Scan(&rec.Scope, &rec.Key, &rec.AppointmentID)
	return rec, err
}
