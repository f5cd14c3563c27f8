package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm_messaging_backend/internal/contacts"
	"crm_messaging_backend/internal/conversations"
	"crm_messaging_backend/internal/email"
	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/internal/flow"
	apphttp "crm_messaging_backend/internal/http"
	"crm_messaging_backend/internal/http/router"
	"crm_messaging_backend/internal/inbound"
	"crm_messaging_backend/internal/leads"
	"crm_messaging_backend/internal/outbound"
	"crm_messaging_backend/internal/pipeline"
	"crm_messaging_backend/internal/scheduler"
	"crm_messaging_backend/internal/storage"
	"crm_messaging_backend/internal/tasks"
	"crm_messaging_backend/internal/whatsapp"
	"crm_messaging_backend/platform/config"
	"crm_messaging_backend/platform/db"
	"crm_messaging_backend/platform/logger"
	"crm_messaging_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, "migrations")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	eventBus := events.NewInMemoryBus(log)

	// Payload archive is optional: disabled without a MinIO endpoint.
	archive, err := storage.NewPayloadArchive(cfg, log)
	if err != nil {
		log.Error("failed to initialize payload archive", "error", err)
		panic("failed to initialize payload archive: " + err.Error())
	}
	if archive != nil {
		if err := withRetry(ctx, log, "ensure inbound payload bucket", 5, 2*time.Second, func() error {
			return archive.EnsureBucketExists(ctx)
		}); err != nil {
			log.Error("failed to ensure inbound payload bucket", "error", err)
			panic("failed to ensure inbound payload bucket: " + err.Error())
		}
		log.Info("payload archive initialized", "bucket", cfg.GetMinioBucketInboundPayloads())
	}

	keywords, err := flow.LoadKeywords(cfg.GetFlowKeywordsFile())
	if err != nil {
		log.Error("failed to load flow keywords", "error", err)
		panic("failed to load flow keywords: " + err.Error())
	}

	replyScheduler, closeScheduler := initReplyScheduler(cfg, log)
	if closeScheduler != nil {
		defer closeScheduler()
	}

	// Operator notifications subscribe to reply-failure events.
	email.NewNotifier(email.NewSMTPSender(cfg), log).Register(eventBus)

	val := validator.New()

	conversationsModule := conversations.NewModule(pool, val, eventBus, log)

	contactsRepo := contacts.NewRepository(pool)
	gate := outbound.NewGate(
		outbound.NewRepository(pool),
		conversationsModule.Repository(),
		whatsapp.NewClient(cfg, log),
		cfg.GetQuestionCooldown(),
		log,
	)
	conversationsModule.SetSender(gate, contactsRepo)

	tasksModule := tasks.NewModule(pool, replyScheduler, log)

	orchestrator := pipeline.NewOrchestrator(pipeline.Config{
		Gate:             inbound.NewRepository(pool),
		Identity:         contacts.NewService(contactsRepo, log),
		Leads:            leads.NewRepository(pool),
		Conversations:    conversationsModule.Repository(),
		Tasks:            tasksModule.Repository(),
		Registry:         flow.StandardRegistry(keywords),
		Scheduler:        replyScheduler,
		Bus:              eventBus,
		Log:              log,
		AutoReplyEnabled: cfg.IsAutoReplyEnabled() && replyScheduler != nil,
	})

	inboundModule := inbound.NewModule(pool, orchestrator, archive, cfg, log)

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   pool,
		EventBus: eventBus,
		Modules: []apphttp.Module{
			inboundModule,
			conversationsModule,
			tasksModule,
		},
	}

	engine := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func initReplyScheduler(cfg config.SchedulerConfig, log *logger.Logger) (*scheduler.Client, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; automatic replies disabled")
		return nil, nil
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize reply scheduler client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
