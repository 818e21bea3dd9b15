package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/numeric"
	"github.com/futarchia/marketd/internal/twap"
)

// proposalSyncer re-reads proposal metadata from chain when the stored copy
// is missing token addresses.
type proposalSyncer interface {
	SyncProposal(ctx context.Context, proposalID string, contract common.Address) (domain.Proposal, error)
}

// twapSource computes a window average on demand.
type twapSource interface {
	Compute(ctx context.Context, proposalID string, side domain.Side, from, to time.Time) (decimal.Decimal, error)
}

// Builder converts a matched trade into a precise, contract-ready TradeOp.
// All amount math is exact integer arithmetic; nothing here goes through
// floating point.
type Builder struct {
	proposals domain.ProposalStore
	books     domain.BookStore
	twap      twapSource
	oracle    proposalSyncer
	logger    *slog.Logger
}

// NewBuilder creates a Builder with all required dependencies.
func NewBuilder(
	proposals domain.ProposalStore,
	books domain.BookStore,
	twapSrc twapSource,
	oracle proposalSyncer,
	logger *slog.Logger,
) *Builder {
	return &Builder{
		proposals: proposals,
		books:     books,
		twap:      twapSrc,
		oracle:    oracle,
		logger:    logger.With(slog.String("component", "settle_builder")),
	}
}

// resolveProposal loads proposal metadata, resyncing from chain once if the
// outcome token for the side is not yet known. A proposal that still lacks
// the token after the resync is ErrConfigMissing.
func (b *Builder) resolveProposal(ctx context.Context, proposalID string, side domain.Side) (domain.Proposal, error) {
	p, err := b.proposals.GetByID(ctx, proposalID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Proposal{}, fmt.Errorf("settle: load proposal %q: %w", proposalID, err)
	}

	if p.OutcomeToken(side) == "" {
		if p.ContractAddress == "" {
			return domain.Proposal{}, fmt.Errorf("settle: proposal %q: %w", proposalID, domain.ErrConfigMissing)
		}
		synced, syncErr := b.oracle.SyncProposal(ctx, proposalID, common.HexToAddress(p.ContractAddress))
		if syncErr != nil {
			return domain.Proposal{}, fmt.Errorf("settle: resync proposal %q: %w: %v", proposalID, domain.ErrConfigMissing, syncErr)
		}
		if upsertErr := b.proposals.Upsert(ctx, synced); upsertErr != nil {
			b.logger.WarnContext(ctx, "proposal resync persist failed",
				slog.String("proposal", proposalID),
				slog.String("error", upsertErr.Error()),
			)
		}
		p = synced
	}

	if p.OutcomeToken(side) == "" {
		return domain.Proposal{}, fmt.Errorf("settle: proposal %q side %s: %w", proposalID, side, domain.ErrConfigMissing)
	}
	return p, nil
}

// effectivePrice picks the settlement price: an explicit non-market price
// argument wins, then the sell order's price, then the buy order's, then
// the book's last traded price. With none of those, NoPriceAvailable.
func (b *Builder) effectivePrice(ctx context.Context, proposalID string, side domain.Side, buy, sell domain.Order, price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsPositive() {
		return price, nil
	}
	if sell.Execution == domain.ExecutionLimit && sell.Price.IsPositive() {
		return sell.Price, nil
	}
	if buy.Execution == domain.ExecutionLimit && buy.Price.IsPositive() {
		return buy.Price, nil
	}
	book, err := b.books.Get(ctx, proposalID, side)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("settle: load book for price: %w", err)
	}
	if book.LastPrice.IsPositive() {
		return book.LastPrice, nil
	}
	return decimal.Zero, domain.ErrNoPriceAvailable
}

// BuildTradeOp resolves token config, price, and the 1-hour TWAP snapshot,
// and scales everything into contract integer units. pyUsdAmount is
// scaledPrice × scaledTokenAmount / 10^tokenDecimals with truncating
// integer division — a deliberate, auditable rounding policy.
func (b *Builder) BuildTradeOp(ctx context.Context, proposalID string, side domain.Side, buy, sell domain.Order, price, amount decimal.Decimal) (domain.TradeOp, domain.Proposal, error) {
	p, err := b.resolveProposal(ctx, proposalID, side)
	if err != nil {
		return domain.TradeOp{}, domain.Proposal{}, err
	}

	effective, err := b.effectivePrice(ctx, proposalID, side, buy, sell, price)
	if err != nil {
		return domain.TradeOp{}, domain.Proposal{}, err
	}

	tokenAmount := numeric.ScaleToInt(amount, p.TokenDecimals)
	scaledPrice := numeric.ScaleToInt(effective, p.PyUSDDecimals)
	pyUsdAmount := numeric.MulDiv(scaledPrice, tokenAmount, numeric.Pow10(p.TokenDecimals))

	// TWAP snapshot for the contract's slippage check. A cold-start market
	// with no 1h history falls back to the effective price so settlement
	// does not stall.
	now := time.Now().UTC()
	twapPrice, err := b.twap.Compute(ctx, proposalID, side, now.Add(-twap.Window1h), now)
	if err != nil {
		return domain.TradeOp{}, domain.Proposal{}, fmt.Errorf("settle: twap snapshot: %w", err)
	}
	if !twapPrice.IsPositive() {
		twapPrice = effective
	}

	return domain.TradeOp{
		Seller:       sell.UserAddress,
		Buyer:        buy.UserAddress,
		OutcomeToken: p.OutcomeToken(side),
		TokenAmount:  tokenAmount,
		PyUSDAmount:  pyUsdAmount,
		TWAPPrice:    numeric.ScaleToInt(twapPrice, p.PyUSDDecimals),
	}, p, nil
}
