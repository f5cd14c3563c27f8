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
	"crm_messaging_backend/internal/inbound"
	"crm_messaging_backend/internal/outbound"
	"crm_messaging_backend/internal/replydraft"
	"crm_messaging_backend/internal/scheduler"
	"crm_messaging_backend/internal/tasks"
	"crm_messaging_backend/internal/whatsapp"
	"crm_messaging_backend/platform/config"
	"crm_messaging_backend/platform/db"
	"crm_messaging_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	eventBus := events.NewInMemoryBus(log)
	email.NewNotifier(email.NewSMTPSender(cfg), log).Register(eventBus)

	conversationRepo := conversations.NewRepository(pool)
	taskRepo := tasks.NewRepository(pool)
	transmitter := whatsapp.NewClient(cfg, log)
	gate := outbound.NewGate(
		outbound.NewRepository(pool),
		conversationRepo,
		transmitter,
		cfg.GetQuestionCooldown(),
		log,
	)

	processor := scheduler.NewReplyProcessor(scheduler.ReplyProcessorConfig{
		Jobs:          taskRepo,
		Conversations: conversationRepo,
		Contacts:      contacts.NewRepository(pool),
		InboundEvents: inbound.NewRepository(pool),
		Channels:      transmitter,
		Gate:          gate,
		Drafter:       replydraft.New(cfg.GetMoonshotAPIKey(), log),
		Bus:           eventBus,
		Log:           log,
		MaxAttempts:   cfg.GetOutboundMaxAttempts(),
	})

	worker, err := scheduler.NewWorker(cfg, processor, log)
	if err != nil {
		log.Error("failed to initialize worker", "error", err)
		panic("failed to initialize worker: " + err.Error())
	}

	inboundSweeper := scheduler.NewStaleInboundSweeper(pool, log, 0, cfg.GetStaleProcessingAfter())
	jobSweeper := scheduler.NewStaleJobSweeper(taskRepo, conversationRepo, eventBus, log, 0, cfg.GetStaleProcessingAfter())

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		inboundSweeper.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		jobSweeper.Run(runCtx)
		return nil
	})

	<-ctx.Done()
	log.Info("shutdown signal received, waiting for workers")
	_ = g.Wait()
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
