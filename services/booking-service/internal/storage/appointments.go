package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

const appointmentColumns = `id::text, customer_id, customer_name, customer_email, customer_phone,
	service_id, staff_id, start_time, end_time, buffer_min, status, price_cents, deposit_cents, version,
	created_at, updated_at, canceled_at, COALESCE(cancel_reason, ''), completed_at, manage_token_hash`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	err := row.Scan(
		&a.ID,
		&a.CustomerID,
		&a.CustomerName,
		&a.CustomerEmail,
		&a.CustomerPhone,
		&a.ServiceID,
		&a.StaffID,
		&a.StartTime,
		&a.EndTime,
		&a.BufferMin,
		&a.Status,
		&a.PriceCents,
		&a.DepositCents,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CanceledAt,
		&a.CancelReason,
		&a.CompletedAt,
		&a.ManageTokenHash,
	)
	return a, err
}

func (q *Queries) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(q.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if IsNotFound(err) {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, err
}

func (q *Queries) InsertAppointment(ctx context.Context, a model.Appointment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO appointments
			(id, customer_id, customer_name, customer_email, customer_phone, service_id, staff_id,
			 start_time, end_time, buffer_min, status, price_cents, deposit_cents, version, created_at, updated_at,
			 manage_token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15, $16)
	`, a.ID, a.CustomerID, a.CustomerName, a.CustomerEmail, a.CustomerPhone, a.ServiceID, a.StaffID,
		a.StartTime, a.EndTime, a.BufferMin, a.Status, a.PriceCents, a.DepositCents, a.Version, a.CreatedAt,
		a.ManageTokenHash)
	if IsConflict(err) {
		return model.ErrSlotTaken
	}
	return err
}

// LockSchedule takes a transaction-scoped advisory lock on one service and
// staff schedule.
func (q *Queries) LockSchedule(ctx context.Context, serviceID, staffID string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, serviceID, staffID)
	return err
}

// ListOccupants returns non-terminal appointments whose blocked interval
// [start, end+buffer) intersects window.
func (q *Queries) ListOccupants(ctx context.Context, serviceID, staffID string, window availability.Interval, excludeID string) ([]availability.Occupant, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id::text, customer_id, start_time, end_time, buffer_min
		FROM appointments
		WHERE service_id = $1
			AND staff_id = $2
			AND status IN ('pending', 'reserved', 'confirmed')
			AND start_time < $4
			AND end_time + make_interval(mins => buffer_min::int) > $3
			AND ($5 = '' OR id::text <> $5)
		ORDER BY start_time ASC
	`, serviceID, staffID, window.Start, window.End, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Occupant
	for rows.Next() {
		var o availability.Occupant
		if err := rows.Scan(&o.AppointmentID, &o.CustomerID, &o.Start, &o.End, &o.BufferMin); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (q *Queries) RescheduleAppointment(ctx context.Context, id string, version int64, start, end time.Time) (model.Appointment, error) {
	a, err := scanAppointment(q.db.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $3,
			end_time = $4,
			version = version + 1,
			updated_at = now()
		WHERE id = $1
			AND version = $2
			AND status IN ('pending', 'reserved')
		RETURNING `+appointmentColumns,
		id, version, start, end))
	return a, mapWrite(err)
}

// TransitionAppointment sets the status when the row is in one of guard.From
// and, when guard.Version is set, at that version.
func (q *Queries) TransitionAppointment(ctx context.Context, id string, guard model.Guard, to model.Status, reason string) (model.Appointment, error) {
	if len(guard.From) == 0 {
		return model.Appointment{}, fmt.Errorf("transition to %s: empty guard", to)
	}
	from := make([]string, 0, len(guard.From))
	for _, s := range guard.From {
		from = append(from, string(s))
	}
	a, err := scanAppointment(q.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
			version = version + 1,
			updated_at = now(),
			canceled_at = CASE WHEN $3 = 'canceled' THEN now() ELSE canceled_at END,
			cancel_reason = CASE WHEN $3 = 'canceled' THEN NULLIF($4, '') ELSE cancel_reason END,
			completed_at = CASE WHEN $3 = 'completed' THEN now() ELSE completed_at END
		WHERE id = $1
			AND status = ANY($2)
			AND ($5 = 0 OR version = $5)
		RETURNING `+appointmentColumns,
		id, from, string(to), reason, guard.Version))
	return a, mapWrite(err)
}

// ExpireUnpaid re-checks every expiry condition in the UPDATE itself.
func (q *Queries) ExpireUnpaid(ctx context.Context, id string, createdBefore time.Time) (model.Appointment, error) {
	a, err := scanAppointment(q.db.QueryRow(ctx, `
		UPDATE appointments a
		SET status = 'canceled',
			version = version + 1,
			updated_at = now(),
			canceled_at = now(),
			cancel_reason = 'deposit_unpaid'
		WHERE a.id = $1
			AND a.status = 'pending'
			AND a.deposit_cents > 0
			AND a.created_at < $2
			AND NOT EXISTS (
				SELECT 1 FROM payments p
				WHERE p.appointment_id = a.id AND p.status = 'approved'
			)
		RETURNING `+appointmentColumns,
		id, createdBefore))
	return a, mapWrite(err)
}

func (q *Queries) CompletePast(ctx context.Context, id string, startedBefore time.Time) (model.Appointment, error) {
	a, err := scanAppointment(q.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'completed',
			version = version + 1,
			updated_at = now(),
			completed_at = now()
		WHERE id = $1
			AND status IN ('pending', 'reserved', 'confirmed')
			AND start_time < $2
		RETURNING `+appointmentColumns,
		id, startedBefore))
	return a, mapWrite(err)
}

// ExpireCandidates lists ids that looked expirable at read time, in id order
// after afterID. ExpireUnpaid decides for real.
func (s *Store) ExpireCandidates(ctx context.Context, createdBefore time.Time, afterID string, limit int) ([]string, error) {
	return s.candidates(ctx, `
		SELECT id::text
		FROM appointments
		WHERE status = 'pending'
			AND deposit_cents > 0
			AND created_at < $1
			AND id::text > $2
		ORDER BY id::text
		LIMIT $3
	`, createdBefore, afterID, limit)
}

func (s *Store) CompleteCandidates(ctx context.Context, startedBefore time.Time, afterID string, limit int) ([]string, error) {
	return s.candidates(ctx, `
		SELECT id::text
		FROM appointments
		WHERE status IN ('pending', 'reserved', 'confirmed')
			AND start_time < $1
			AND id::text > $2
		ORDER BY id::text
		LIMIT $3
	`, startedBefore, afterID, limit)
}

func (s *Store) candidates(ctx context.Context, sql string, cutoff time.Time, afterID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, cutoff, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}
