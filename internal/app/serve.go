package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/futarchia/marketd/internal/engine"
	"github.com/futarchia/marketd/internal/notify"
	"github.com/futarchia/marketd/internal/server"
	"github.com/futarchia/marketd/internal/server/handler"
	"github.com/futarchia/marketd/internal/server/ws"
	"github.com/futarchia/marketd/internal/settle"
	"github.com/futarchia/marketd/internal/twap"
)

// serve builds the matching engine, settlement pipeline, WebSocket hub, and
// HTTP server on top of the wired dependencies and runs them until the
// context is cancelled or one of them fails.
func (a *App) serve(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	calc := twap.NewCalculator(deps.History, deps.Books, a.logger)

	// Settlement pipeline: one nonce-serializing queue per signing key.
	queue := settle.NewQueue(a.cfg.Settle.QueueCapacity, deps.Metrics, a.logger)
	builder := settle.NewBuilder(deps.Proposals, deps.Books, calc, deps.Oracle, a.logger)
	submitter := settle.NewSubmitter(
		deps.Backend, deps.Settlement, deps.Signer, queue,
		settle.SubmitterConfig{
			MaxAttempts:         a.cfg.Settle.MaxAttempts,
			FeeBumpBps:          a.cfg.Settle.FeeBumpBps,
			FallbackGasLimit:    a.cfg.Settle.FallbackGasLimit,
			RetryDelay:          a.cfg.Settle.RetryDelay.Duration,
			ConfirmPollInterval: a.cfg.Settle.ConfirmPollInterval.Duration,
		},
		deps.Metrics, a.logger,
	)
	settleSvc := settle.NewService(
		deps.Orders, builder, submitter, notify.NewSettlementAlerter(deps.Notifier),
		a.cfg.Settle.PendingCapacity, a.cfg.Settle.ConfirmTimeout.Duration,
		deps.Metrics, a.logger,
	)
	sweeper := settle.NewSweeper(
		deps.Orders, deps.LockManager, settleSvc,
		settle.SweeperConfig{
			Interval:   a.cfg.Settle.SweepInterval.Duration,
			Grace:      a.cfg.Settle.SweepGrace.Duration,
			BatchLimit: a.cfg.Settle.SweepBatchLimit,
			LockTTL:    a.cfg.Settle.SweepLockTTL.Duration,
		},
		deps.Metrics, a.logger,
	)

	g.Go(func() error { return queue.Run(ctx) })
	g.Go(func() error { return settleSvc.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	// Matching engine with TWAP refresh on every trade.
	eng := engine.New(
		deps.Orders, deps.Books, deps.History, deps.BookCache,
		deps.SignalBus, calc, settleSvc, deps.Metrics, a.logger,
	)

	// WebSocket hub relaying engine events to subscribers.
	hub := ws.NewHub(deps.SignalBus, deps.Metrics, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	// Fill-audit archiver.
	if deps.Archiver != nil {
		g.Go(func() error {
			deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, a.cfg.Archive.Retention.Duration)
			return nil
		})
	}

	// HTTP API.
	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimit:       a.cfg.Server.RateLimit,
			RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		},
		server.Handlers{
			Health:      handler.NewHealthHandler(a.logger),
			Orders:      handler.NewOrderHandler(eng, a.logger),
			Books:       handler.NewBookHandler(eng, a.logger),
			Proposals:   handler.NewProposalHandler(deps.Proposals, deps.Oracle, a.logger),
			Settlements: handler.NewSettlementHandler(sweeper, a.logger),
		},
		hub,
		deps.Metrics.Handler(),
		deps.RateLimiter,
		a.logger,
	)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}
