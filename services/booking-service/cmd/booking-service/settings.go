package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbook/libs/config"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/reminders"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/sweeper"
)

type settings struct {
	service    string
	port       string
	production bool

	databaseURL string
	redisURL    string
	kafka       string
	authSecret  string
	corsOrigins string
	rateLimit   int

	policy                availability.Policy
	cancellationThreshold time.Duration
	businessName          string

	sweep           sweeper.Config
	offsets         []reminders.Offset
	reminderMax     int
	reminderEvery   time.Duration
	reminderBatch   int
	reminderBackoff time.Duration
	reminderLease   time.Duration

	stripeSecretKey     string
	stripeWebhookSecret string
	stripeInsecure      bool
	stripeCurrency      string
	checkoutSuccessURL  string
	checkoutCancelURL   string

	twilioSID   string
	twilioToken string
	twilioFrom  string
	smsURL      string
	smsToken    string
	smtpHost    string
	smtpPort    string
	smtpFrom    string
}

// loadSettings reads the environment once at startup and fails on the first
// malformed value.
func loadSettings() (settings, error) {
	var s settings
	var err error
	s.service = config.String("SERVICE_NAME", "booking-service")
	if s.port, err = config.Port("PORT", "8083"); err != nil {
		return s, err
	}
	s.production = strings.EqualFold(config.String("APP_ENV", "development"), "production")
	if s.databaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
		return s, err
	}
	s.redisURL = config.String("REDIS_URL", "")
	s.kafka = config.String("KAFKA_BROKERS", "")
	s.authSecret = config.String("AUTH_JWT_SECRET", "")
	s.corsOrigins = config.String("CORS_ALLOWED_ORIGINS", "")
	if s.rateLimit, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return s, err
	}

	if s.policy.Location, err = config.Location("BUSINESS_TIMEZONE", "UTC"); err != nil {
		return s, err
	}
	if s.policy.OpenMinute, err = config.ClockMinutes("BUSINESS_OPEN", "09:00"); err != nil {
		return s, err
	}
	if s.policy.CloseMinute, err = config.ClockMinutes("BUSINESS_CLOSE", "17:00"); err != nil {
		return s, err
	}
	if s.policy.Step, err = config.Minutes("SLOT_STEP_MINUTES", 30*time.Minute); err != nil {
		return s, err
	}
	if err := s.policy.Validate(); err != nil {
		return s, err
	}
	hours, err := config.Int("CANCELLATION_THRESHOLD_HOURS", 24)
	if err != nil {
		return s, err
	}
	s.cancellationThreshold = time.Duration(hours) * time.Hour
	s.businessName = config.String("BUSINESS_NAME", "")

	if s.sweep.ExpireGrace, err = config.Minutes("EXPIRE_GRACE_MINUTES", 2*time.Hour); err != nil {
		return s, err
	}
	if s.sweep.CompleteGrace, err = config.Minutes("COMPLETE_GRACE_MINUTES", 3*time.Hour); err != nil {
		return s, err
	}
	if s.sweep.BatchSize, err = config.Int("SWEEP_BATCH_SIZE", 100); err != nil {
		return s, err
	}
	if s.sweep.MaxBatches, err = config.Int("SWEEP_MAX_BATCHES", 10); err != nil {
		return s, err
	}
	s.sweep.ExpireSpec = config.String("SWEEP_EXPIRE_SPEC", "@every 5m")
	s.sweep.CompleteSpec = config.String("SWEEP_COMPLETE_SPEC", "@hourly")

	if s.offsets, err = reminders.ParseOffsets(config.String("REMINDER_OFFSETS_MINUTES", "1440,120")); err != nil {
		return s, fmt.Errorf("REMINDER_OFFSETS_MINUTES: %w", err)
	}
	if s.reminderMax, err = config.Int("REMINDER_MAX_ATTEMPTS", 3); err != nil {
		return s, err
	}
	if s.reminderEvery, err = config.Duration("REMINDER_POLL_INTERVAL", 30*time.Second); err != nil {
		return s, err
	}
	if s.reminderBatch, err = config.Int("REMINDER_BATCH_SIZE", 20); err != nil {
		return s, err
	}
	if s.reminderBackoff, err = config.Duration("REMINDER_RETRY_BACKOFF", 5*time.Minute); err != nil {
		return s, err
	}
	if s.reminderLease, err = config.Duration("REMINDER_LEASE", 0); err != nil {
		return s, err
	}

	s.stripeSecretKey = config.String("STRIPE_SECRET_KEY", "")
	s.stripeWebhookSecret = config.String("STRIPE_WEBHOOK_SECRET", "")
	s.stripeInsecure = config.Bool("STRIPE_WEBHOOK_INSECURE", false)
	s.stripeCurrency = config.String("STRIPE_CURRENCY", "usd")
	s.checkoutSuccessURL = config.String("STRIPE_CHECKOUT_SUCCESS_URL", "")
	s.checkoutCancelURL = config.String("STRIPE_CHECKOUT_CANCEL_URL", "")

	s.twilioSID = config.String("TWILIO_ACCOUNT_SID", "")
	s.twilioToken = config.String("TWILIO_AUTH_TOKEN", "")
	s.twilioFrom = config.String("TWILIO_FROM_NUMBER", "")
	s.smsURL = config.String("SMS_WEBHOOK_URL", "")
	s.smsToken = config.String("SMS_WEBHOOK_TOKEN", "")
	s.smtpHost = config.String("SMTP_HOST", "")
	s.smtpPort = config.String("SMTP_PORT", "25")
	s.smtpFrom = config.String("SMTP_FROM", "")
	return s, nil
}
