package reminders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/notify"
)

// Tx is the reminder queue. ClaimDueReminders moves rows that are due, below
// maxAttempts and whose appointment is still confirmed to sending, counts the
// attempt and leases them until leaseUntil. A lease that runs out puts the row
// back in play. The Mark calls only apply while the row is still held at the
// given attempt.
type Tx interface {
	ClaimDueReminders(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]model.Reminder, error)
	MarkReminderSent(ctx context.Context, id int64, attempts int, sentAt time.Time) error
	MarkReminderError(ctx context.Context, id int64, attempts int, lastError string, nextAttemptAt time.Time) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type DispatchRecorder interface {
	RecordReminder(result string)
}

type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	SendTimeout time.Duration
	MaxAttempts int
	Backoff     time.Duration
	// Lease is how long a claimed reminder is held before another dispatcher
	// may retry it.
	Lease time.Duration
}

type Dispatcher struct {
	store    Store
	sender   notify.Sender
	logger   *slog.Logger
	cfg      DispatcherConfig
	now      func() time.Time
	recorder DispatchRecorder
}

type Stats struct {
	Selected int
	Sent     int
	Failed   int
}

func NewDispatcher(store Store, sender notify.Sender, logger *slog.Logger, cfg DispatcherConfig, recorder DispatchRecorder) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Minute
	}
	if cfg.Lease <= cfg.SendTimeout {
		cfg.Lease = 2*cfg.SendTimeout + time.Minute
	}
	return &Dispatcher{
		store:    store,
		sender:   sender,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		recorder: recorder,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.logger.Error("reminder batch failed", "err", err)
			}
		}
	}
}

// RunOnce claims one batch of due reminders and sends them outside the claiming
// transaction. A failed send is recorded on the row and does not fail the
// batch; a failed write is returned after the rest of the batch is handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	now := d.now()
	var due []model.Reminder
	err := d.store.InTx(ctx, func(tx Tx) error {
		var err error
		due, err = tx.ClaimDueReminders(ctx, now, now.Add(d.cfg.Lease), d.cfg.MaxAttempts, d.cfg.BatchSize)
		return err
	})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Selected: len(due)}
	var errs []error
	for _, r := range due {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		res := d.sender.Send(sendCtx, r.Target, r.Message)
		cancel()

		if res.OK {
			if err := d.store.InTx(ctx, func(tx Tx) error {
				return tx.MarkReminderSent(ctx, r.ID, r.Attempts, d.now())
			}); err != nil {
				d.logger.Error("recording sent reminder failed", "reminder_id", r.ID, "err", err)
				errs = append(errs, err)
				continue
			}
			stats.Sent++
			d.recordResult("sent")
			d.logger.Info("reminder sent",
				"reminder_id", r.ID,
				"appointment_id", r.AppointmentID,
				"template", r.TemplateKey,
				"provider", d.sender.ProviderID(),
			)
			continue
		}

		next := d.now().Add(d.cfg.Backoff * time.Duration(r.Attempts))
		if err := d.store.InTx(ctx, func(tx Tx) error {
			return tx.MarkReminderError(ctx, r.ID, r.Attempts, res.Note, next)
		}); err != nil {
			d.logger.Error("recording failed reminder failed", "reminder_id", r.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		stats.Failed++
		d.recordResult("error")
		d.logger.Warn("reminder send failed",
			"reminder_id", r.ID,
			"appointment_id", r.AppointmentID,
			"attempts", r.Attempts,
			"final", r.Attempts >= d.cfg.MaxAttempts,
			"err", res.Note,
		)
	}
	return stats, errors.Join(errs...)
}

func (d *Dispatcher) recordResult(result string) {
	if d.recorder != nil {
		d.recorder.RecordReminder(result)
	}
}
