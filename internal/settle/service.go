package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
)

// alerter is notified when a settlement fails terminally and will not be
// retried until the reconciliation sweep picks it up again.
type alerter interface {
	SettlementFailed(ctx context.Context, rec domain.FillRecord, err error)
}

// Service drives matched fill pairings through trade-op construction,
// on-chain submission and confirmation. It implements the matching
// engine's Settler contract: SettleFill hands off to a background worker
// and never blocks the matching path.
type Service struct {
	orders    domain.OrderStore
	builder   *Builder
	submitter *Submitter
	alerts    alerter

	confirmTimeout time.Duration
	pending        chan domain.FillRecord
	met            *metrics.Metrics
	logger         *slog.Logger
}

// NewService creates a settlement service. pendingCapacity bounds the
// handoff buffer between the matching path and the settlement worker;
// overflow is dropped and left for the sweep.
func NewService(
	orders domain.OrderStore,
	builder *Builder,
	submitter *Submitter,
	alerts alerter,
	pendingCapacity int,
	confirmTimeout time.Duration,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if pendingCapacity <= 0 {
		pendingCapacity = 256
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}
	return &Service{
		orders:         orders,
		builder:        builder,
		submitter:      submitter,
		alerts:         alerts,
		confirmTimeout: confirmTimeout,
		pending:        make(chan domain.FillRecord, pendingCapacity),
		met:            met,
		logger:         logger.With(slog.String("component", "settle_service")),
	}
}

// SettleFill enqueues one matched pairing for settlement. When the buffer
// is full the record is dropped here; its empty tx hash keeps it visible
// to the reconciliation sweep, so nothing is lost.
func (s *Service) SettleFill(ctx context.Context, rec domain.FillRecord) {
	select {
	case s.pending <- rec:
	default:
		s.logger.WarnContext(ctx, "settlement buffer full, deferring to sweep",
			slog.String("fill_id", rec.ID),
			slog.String("proposal_id", rec.ProposalID),
		)
	}
}

// Run processes pending fills until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "settlement worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-s.pending:
			if err := s.settleRecord(ctx, rec); err != nil {
				s.logger.ErrorContext(ctx, "settlement failed",
					slog.String("fill_id", rec.ID),
					slog.String("proposal_id", rec.ProposalID),
					slog.String("error", err.Error()),
				)
				if s.alerts != nil {
					s.alerts.SettlementFailed(ctx, rec, err)
				}
			}
		}
	}
}

// settleRecord settles a single pairing end to end. The tx hash is only
// persisted after the receipt lands, so an unconfirmed broadcast stays
// visible to the sweep.
func (s *Service) settleRecord(ctx context.Context, rec domain.FillRecord) error {
	buy, err := s.orders.GetByID(ctx, rec.BuyOrderID)
	if err != nil {
		return fmt.Errorf("settle: load buy order %s: %w", rec.BuyOrderID, err)
	}
	sell, err := s.orders.GetByID(ctx, rec.SellOrderID)
	if err != nil {
		return fmt.Errorf("settle: load sell order %s: %w", rec.SellOrderID, err)
	}

	op, proposal, err := s.builder.BuildTradeOp(ctx, rec.ProposalID, rec.Side, buy, sell, rec.Price, rec.Amount)
	if err != nil {
		return err
	}

	bcast, err := s.submitter.Submit(ctx, common.HexToAddress(proposal.ContractAddress), []domain.TradeOp{op})
	if err != nil {
		return err
	}

	receipt, hash, err := s.confirm(ctx, bcast)
	if err != nil {
		return err
	}
	if receipt.Status == 0 {
		s.met.SettleFailures.Inc()
		return fmt.Errorf("settle: transaction %s reverted", hash.Hex())
	}

	if err := s.orders.SetFillTxHash(ctx, rec.ID, hash.Hex()); err != nil {
		return fmt.Errorf("settle: record tx hash: %w", err)
	}
	s.met.SettleConfirmed.Inc()

	s.logger.InfoContext(ctx, "settlement confirmed",
		slog.String("fill_id", rec.ID),
		slog.String("tx", hash.Hex()),
		slog.Uint64("block", receipt.BlockNumber.Uint64()),
	)
	return nil
}

// confirm waits for the broadcast to mine, fee-bumping and replacing it
// on the same nonce each time the confirmation window elapses. The nonce
// is pinned across every replacement, so however many versions go out,
// at most one of them can settle the fill.
func (s *Service) confirm(ctx context.Context, bcast *Broadcast) (*types.Receipt, common.Hash, error) {
	broadcasts := []*Broadcast{bcast}
	for attempt := 1; ; attempt++ {
		receipt, err := s.submitter.WaitMined(ctx, bcast.Hash, s.confirmTimeout)
		if err == nil {
			return receipt, bcast.Hash, nil
		}
		if ctx.Err() != nil || attempt >= s.submitter.MaxAttempts() {
			return nil, common.Hash{}, err
		}

		replaced, rerr := s.submitter.Replace(ctx, bcast)
		switch {
		case rerr == nil:
			bcast = replaced
			broadcasts = append(broadcasts, replaced)
		case errors.Is(rerr, domain.ErrNonceStale):
			// The nonce slot has been consumed; usually an earlier
			// version of this submission mined after its window closed.
			// Find its receipt rather than surrendering the fill to the
			// sweep, which would re-settle it on a fresh nonce.
			return s.minedBroadcast(ctx, broadcasts)
		default:
			return nil, common.Hash{}, rerr
		}
	}
}

// minedBroadcast scans the submission's past broadcasts for the one that
// mined, polling until the confirmation window elapses.
func (s *Service) minedBroadcast(ctx context.Context, broadcasts []*Broadcast) (*types.Receipt, common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	for {
		for _, b := range broadcasts {
			if receipt, err := s.submitter.Receipt(ctx, b.Hash); err == nil && receipt != nil {
				return receipt, b.Hash, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, common.Hash{}, fmt.Errorf("settle: no broadcast mined for consumed nonce: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
}
