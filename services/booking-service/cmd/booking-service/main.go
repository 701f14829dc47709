package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/slotbook/libs/auth"
	"github.com/md-rashed-zaman/slotbook/libs/config"
	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/libs/httpx"
	"github.com/md-rashed-zaman/slotbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotbook/libs/otel"
	"github.com/md-rashed-zaman/slotbook/libs/runtime"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/notify"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/payments"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/reconcile"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/reminders"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := loadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	pool, err := db.Open(ctx, cfg.databaseURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.redisURL != "" {
		opts, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "err", err)
			panic(err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		panic(err)
	}

	store := storage.NewStore(pool)
	planner := reminders.NewScheduler(cfg.offsets, cfg.policy.Location, cfg.businessName)
	machine := lifecycle.NewService(
		storage.NewRunner(store, func(q *storage.Queries) lifecycle.Tx { return q }),
		planner,
		logger,
		lifecycle.Config{CancellationThreshold: cfg.cancellationThreshold, Policy: cfg.policy},
		lifecycle.WithRecorder(m),
	)

	outboxPublisher := outbox.NewPublisher(pool, outbox.NewRepository(), logger, outbox.PublisherConfig{
		Brokers:   cfg.kafka,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
		OnPublish: m.RecordPublished,
	})
	go outboxPublisher.Run(ctx)

	dispatcher := reminders.NewDispatcher(
		storage.NewRunner(store, func(q *storage.Queries) reminders.Tx { return q }),
		notify.Router{SMS: smsSender(cfg, logger), Email: emailSender(cfg, logger)},
		logger,
		reminders.DispatcherConfig{
			Interval:    cfg.reminderEvery,
			BatchSize:   cfg.reminderBatch,
			MaxAttempts: cfg.reminderMax,
			Backoff:     cfg.reminderBackoff,
			Lease:       cfg.reminderLease,
		},
		m,
	)
	go dispatcher.Run(ctx)

	sweeps := sweeper.New(store, machine, logger, cfg.sweep, m)
	if _, err := sweeps.Start(ctx); err != nil {
		logger.Error("sweeper schedule invalid", "err", err)
		panic(err)
	}

	var lookup reconcile.SessionLookup
	if cfg.stripeSecretKey != "" {
		lookup = reconcile.NewStripeSessionLookup(cfg.stripeSecretKey)
	}
	reconciler := reconcile.NewReconciler(
		storage.NewRunner(store, func(q *storage.Queries) reconcile.Tx { return q }),
		machine,
		lookup,
		logger,
		otelx.Tracer(cfg.service+"/reconcile"),
	)
	var claims reconcile.Claimer
	if rdb != nil {
		claims = reconcile.NewRedisClaimer(rdb, 10*time.Minute)
	}
	ingestor, err := reconcile.NewIngestor(reconcile.IngestConfig{
		Secret:     cfg.stripeWebhookSecret,
		Insecure:   cfg.stripeInsecure,
		Production: cfg.production,
	}, store, claims, reconciler, logger, m)
	if err != nil {
		logger.Error("stripe webhook setup failed", "err", err)
		panic(err)
	}

	checkout := payments.NewCheckout(payments.Config{
		Currency:   cfg.stripeCurrency,
		SuccessURL: cfg.checkoutSuccessURL,
		CancelURL:  cfg.checkoutCancelURL,
	}, payments.NewStripeCreator(cfg.stripeSecretKey), machine,
		storage.NewRunner(store, func(q *storage.Queries) payments.Tx { return q }), logger)
	if !checkout.Enabled() {
		logger.Warn("deposit checkout disabled (STRIPE_SECRET_KEY missing)")
	}

	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	if cfg.kafka != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.kafka)})
	}
	if rdb != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	handlers.NewBookingHandler(machine, checkout, logger).Register(mux)
	handlers.NewWebhookHandler(ingestor, logger).Register(mux)

	var limit httpx.Middleware
	if rdb != nil {
		limit = httpx.NewRedisRateLimiter(rdb, cfg.rateLimit, time.Minute, "booking:rl").Middleware(logger, true)
	} else {
		limit = httpx.NewRateLimiter(cfg.rateLimit, time.Minute).Middleware()
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.DefaultCORSPolicy(cfg.corsOrigins)),
		limit,
		auth.Middleware(cfg.authSecret),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + cfg.port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second); err != nil {
		logger.Error("http server error", "err", err)
	}
}

// smsSender prefers Twilio, then a generic SMS webhook. Without either,
// SMS reminders are logged and dropped.
func smsSender(cfg settings, logger *slog.Logger) notify.Sender {
	switch {
	case cfg.twilioSID != "" && cfg.twilioToken != "" && cfg.twilioFrom != "":
		return notify.NewTwilioSender(cfg.twilioSID, cfg.twilioToken, cfg.twilioFrom)
	case cfg.smsURL != "":
		return notify.NewWebhookSender(cfg.smsURL, cfg.smsToken)
	}
	logger.Warn("no sms provider configured; sms reminders will not be delivered")
	return notify.NoopSender{}
}

func emailSender(cfg settings, logger *slog.Logger) notify.Sender {
	if cfg.smtpHost == "" {
		logger.Warn("SMTP_HOST not set; email reminders will not be delivered")
		return notify.NoopSender{}
	}
	return notify.NewSMTPSender(cfg.smtpHost, cfg.smtpPort, cfg.smtpFrom)
}
