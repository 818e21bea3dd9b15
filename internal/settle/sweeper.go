package settle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
)

const sweepLockKey = "marketd:settle:sweep"

// SweeperConfig holds the reconciliation policy.
type SweeperConfig struct {
	// Interval is the sweep cadence.
	Interval time.Duration

	// Grace is how old a fill must be before the sweep touches it. It must
	// exceed the submitter's worst-case retry window so the sweep never
	// races an in-flight first attempt.
	Grace time.Duration

	// BatchLimit caps how many unsettled fills one sweep resubmits.
	BatchLimit int

	// LockTTL bounds how long one pass may hold the cross-replica lock.
	// It must cover a worst-case pass, which can wait out the full
	// confirmation window for every fill in the batch; a TTL shorter than
	// that lets a second replica start sweeping mid-pass.
	LockTTL time.Duration
}

func (c *SweeperConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 15 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
}

// Sweeper periodically re-settles matched fills whose transaction hash is
// still empty, catching anything lost to crashes or buffer overflow. A
// distributed lock keeps the sweep single-flight across replicas.
type Sweeper struct {
	orders  domain.OrderStore
	locks   domain.LockManager
	service *Service
	cfg     SweeperConfig
	met     *metrics.Metrics
	logger  *slog.Logger
}

func NewSweeper(
	orders domain.OrderStore,
	locks domain.LockManager,
	service *Service,
	cfg SweeperConfig,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Sweeper {
	cfg.defaults()
	return &Sweeper{
		orders:  orders,
		locks:   locks,
		service: service,
		cfg:     cfg,
		met:     met,
		logger:  logger.With(slog.String("component", "settle_sweeper")),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "reconciliation sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("grace", s.cfg.Grace),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil && !errors.Is(err, domain.ErrLockHeld) {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce runs a single reconciliation pass. It returns ErrLockHeld when
// another replica holds the sweep lock.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	release, err := s.locks.Acquire(ctx, sweepLockKey, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer release()

	cutoff := time.Now().Add(-s.cfg.Grace)
	fills, err := s.orders.ListUnsettledFills(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(fills) == 0 {
		return nil
	}

	s.logger.InfoContext(ctx, "resubmitting unsettled fills", slog.Int("count", len(fills)))

	for _, rec := range fills {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.met.SweepResubmissions.Inc()
		if err := s.service.settleRecord(ctx, rec); err != nil {
			// Keep going: the row stays unsettled and the next sweep
			// retries it.
			s.logger.WarnContext(ctx, "resubmission failed",
				slog.String("fill_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
