package scheduler

import (
	"context"
	"time"

	"crm_messaging_backend/internal/inbound"
	"crm_messaging_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultStaleSweepInterval = 5 * time.Minute
	defaultStaleAfter         = 15 * time.Minute
)

// StaleInboundSweeper periodically releases inbound events stuck in
// PROCESSING. A crash between admission and finalize would otherwise
// swallow the provider's redeliveries as duplicates forever.
type StaleInboundSweeper struct {
	repo       *inbound.Repository
	log        *logger.Logger
	interval   time.Duration
	staleAfter time.Duration
}

func NewStaleInboundSweeper(pool *pgxpool.Pool, log *logger.Logger, interval, staleAfter time.Duration) *StaleInboundSweeper {
	if interval <= 0 {
		interval = defaultStaleSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	return &StaleInboundSweeper{
		repo:       inbound.NewRepository(pool),
		log:        log,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (s *StaleInboundSweeper) Run(ctx context.Context) {
	if s == nil || s.repo == nil {
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StaleInboundSweeper) sweep(ctx context.Context) {
	released, err := s.repo.ReleaseStale(ctx, s.staleAfter)
	if err != nil {
		s.log.Warn("stale inbound sweep failed", "error", err)
		return
	}

	if released > 0 {
		s.log.Info("released stale inbound events", "released", released)
	}
}
