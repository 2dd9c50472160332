package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"minibank/internal/payment"
)

// Sweeper resumes payments stranded in a non-terminal status, typically
// after a crash between saga steps. Every resumed payment goes back
// through the orchestrator's version-checked write path, so a sweeper
// racing a live worker loses cleanly.
type Sweeper struct {
	orch     *Orchestrator
	payments payment.Store
	log      zerolog.Logger

	interval   time.Duration
	staleAfter time.Duration
}

type SweeperConfig struct {
	Interval   time.Duration // default 30s
	StaleAfter time.Duration // default 5m
}

func NewSweeper(orch *Orchestrator, payments payment.Store, log zerolog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Sweeper{
		orch:       orch,
		payments:   payments,
		log:        log,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}

// Sweep resumes every stalled payment once.
func (s *Sweeper) Sweep(ctx context.Context) error {
	stalled, err := s.payments.ListStalled(ctx, time.Now().UTC().Add(-s.staleAfter))
	if err != nil {
		return err
	}

	for _, p := range stalled {
		s.resume(ctx, p)
	}
	return nil
}

func (s *Sweeper) resume(ctx context.Context, p *payment.Payment) {
	log := s.orch.log.With().Str("payment_id", p.ID.String()).Str("status", p.Status.String()).Logger()

	switch p.Status {
	case payment.StatusRequested, payment.StatusDebited, payment.StatusCredited:
		// Drive the saga forward from wherever it stopped. A REQUESTED
		// payment may already have debited the source before the crash;
		// the operation id on each balance mutation and the journal's
		// duplicate-leg rejection make re-running any leg a no-op for
		// effects that already landed.
		action := "resumed"
		if p.RequiresCompensation() {
			action = "compensated"
		}
		if _, err := s.orch.run(ctx, p); err != nil {
			log.Warn().Err(err).Msg("recovery: resume failed")
			return
		}
		s.orch.metrics.RecoveryResumed.WithLabelValues(action).Inc()
		log.Info().Str("final_status", p.Status.String()).Msg("recovery: payment resumed")

	default:
		// Terminal statuses are never returned by ListStalled; nothing to do.
	}
}
