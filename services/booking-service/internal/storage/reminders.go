package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

// InsertReminders is idempotent on (appointment_id, template_key) and returns
// how many rows were new.
func (q *Queries) InsertReminders(ctx context.Context, reminders []model.Reminder) (int64, error) {
	var inserted int64
	for _, r := range reminders {
		tag, err := q.db.Exec(ctx, `
			INSERT INTO reminders (appointment_id, template_key, channel, target, message, scheduled_at, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (appointment_id, template_key) DO NOTHING
		`, r.AppointmentID, r.TemplateKey, r.Channel, r.Target, r.Message, r.ScheduledAt)
		if err != nil {
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ClaimDueReminders takes due rows of confirmed appointments and marks them
// sending in one statement. Error rows come back once their backoff has passed
// and sending rows once their lease has, while attempts remain.
func (q *Queries) ClaimDueReminders(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]model.Reminder, error) {
	rows, err := q.db.Query(ctx, `
		WITH due AS (
			SELECT r.id
			FROM reminders r
			JOIN appointments a ON a.id = r.appointment_id
			WHERE a.status = 'confirmed'
				AND r.scheduled_at <= $1
				AND (
					r.status = 'pending'
					OR (r.status IN ('error', 'sending') AND r.attempts < $2 AND r.next_attempt_at <= $1)
				)
			ORDER BY r.scheduled_at
			LIMIT $3
			FOR UPDATE OF r SKIP LOCKED
		)
		UPDATE reminders r
		SET status = 'sending',
			attempts = r.attempts + 1,
			next_attempt_at = $4,
			updated_at = now()
		FROM due
		WHERE r.id = due.id
		RETURNING r.id, r.appointment_id::text, r.template_key, r.channel, r.target, r.message, r.scheduled_at,
			r.status, r.attempts, COALESCE(r.last_error, '')
	`, now, maxAttempts, limit, leaseUntil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		var r model.Reminder
		if err := rows.Scan(&r.ID, &r.AppointmentID, &r.TemplateKey, &r.Channel, &r.Target, &r.Message,
			&r.ScheduledAt, &r.Status, &r.Attempts, &r.LastError); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (q *Queries) MarkReminderSent(ctx context.Context, id int64, attempts int, sentAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE reminders
		SET status = 'sent',
			sent_at = $3,
			last_error = NULL,
			updated_at = now()
		WHERE id = $1
			AND status = 'sending'
			AND attempts = $2
	`, id, attempts, sentAt)
	return err
}

func (q *Queries) MarkReminderError(ctx context.Context, id int64, attempts int, lastError string, nextAttemptAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE reminders
		SET status = 'error',
			last_error = $3,
			next_attempt_at = $4,
			updated_at = now()
		WHERE id = $1
			AND status = 'sending'
			AND attempts = $2
	`, id, attempts, lastError, nextAttemptAt)
	return err
}
