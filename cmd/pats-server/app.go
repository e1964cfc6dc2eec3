package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/config"
	"github.com/pats/pats/internal/domain/scheduling"
	"github.com/pats/pats/internal/platform/calendar"
	"github.com/pats/pats/internal/platform/clock"
	"github.com/pats/pats/internal/platform/db"
	"github.com/pats/pats/internal/platform/directory"
	"github.com/pats/pats/internal/platform/events"
	"github.com/pats/pats/internal/platform/keylock"
	"github.com/pats/pats/internal/platform/notification"
	"github.com/pats/pats/internal/platform/telemetry"
	"github.com/pats/pats/internal/platform/webhook"
)

// app holds the wired dependency graph shared by serve and sweep.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	svc           *scheduling.Service
	avail         *scheduling.AvailabilityService
	worker        *scheduling.ReminderWorker
	calendar      *calendar.Bridge
	stream        *events.Hub
	metrics       *telemetry.Metrics
	webhooks      *webhook.Manager
	notifications *notification.NotificationManager

	checks  []db.Check
	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	loc, err := clock.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}
	clk := clock.NewReal(loc)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		TimeZone: cfg.TimeZone,
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	logger.Info().Msg("connected to database")
	a.metrics = telemetry.New().WithPoolStats(func() *db.PoolStats { return db.GetPoolStats(pool) })

	// Locks are process-local unless Redis is configured.
	var locker keylock.Locker = keylock.NewLocal()
	if cfg.RedisURL != "" {
		client, err := keylock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		a.checks = append(a.checks, db.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		locker = keylock.NewRedis(client, keylock.RedisConfig{}, logger)
		logger.Info().Msg("using redis locks")
	}

	a.stream = events.NewHub(logger)
	a.webhooks = webhook.NewManager(webhook.NewPGStore(pool),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
		webhook.WithWorkers(cfg.WebhookWorkers),
		webhook.WithMaxAttempts(cfg.WebhookMaxAttempts),
		webhook.WithLogger(logger),
	)
	auditors := events.Multi{events.NewLogPublisher(logger), a.stream, a.metrics, a.webhooks}
	if cfg.AMQPURL != "" {
		pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { pub.Close() })
		a.checks = append(a.checks, db.Check{Name: "amqp", Probe: pub.Check})
		auditors = append(auditors, pub)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events to amqp")
	}

	sender, err := emailSender(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.notifications = notification.NewNotificationManager(sender, notification.NewTemplateEngine(),
		notification.NewPGStore(pool),
		notification.WithClock(clk.Now),
		notification.WithLogger(logger),
	)

	dir := directory.NewCached(directory.NewPG(pool), cfg.DirectoryCacheSize, cfg.DirectoryCacheTTL)
	notifier := scheduling.NewMailNotifier(a.notifications, loc)
	a.calendar = calendar.NewBridge(clk, logger)

	appointments := scheduling.NewAppointmentRepoPG(pool)
	reminders := scheduling.NewReminderScheduler(scheduling.NewReminderRepoPG(pool), appointments, dir,
		notifier, clk, logger, cfg.ReminderBatchSize)
	a.avail = scheduling.NewAvailabilityService(scheduling.NewAvailabilityRepoPG(pool), appointments, clk, loc)

	a.svc = scheduling.NewService(scheduling.Deps{
		Appointments: appointments,
		Attendance:   scheduling.NewAttendanceRepoPG(pool),
		Reminders:    reminders,
		Availability: a.avail,
		Directory:    dir,
		Notifier:     notifier,
		Calendar:     a.calendar,
		Auditor:      auditors,
		Tx:           db.NewTransactor(pool),
		Locker:       locker,
		Clock:        clk,
		Logger:       logger,
	}, scheduling.Config{
		RescheduleNotice:    cfg.RescheduleNotice,
		EnforceAvailability: cfg.EnforceAvailability,
		Location:            loc,
	})

	a.worker, err = scheduling.NewReminderWorker(reminders, locker, cfg.ReminderSweepSchedule, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.worker.Observe(a.metrics)
	return a, nil
}

func emailSender(cfg *config.Config, logger zerolog.Logger) (notification.EmailSender, error) {
	if cfg.EmailTransport != "smtp" {
		return notification.NewLogEmailSender(logger), nil
	}
	sender, err := notification.NewSMTPSender(notification.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("smtp sender: %w", err)
	}
	return sender, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
