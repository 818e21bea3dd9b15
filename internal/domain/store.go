package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FillRecord is the store-level representation of one matched fill pairing.
// One row is written per discrete pairing; an empty TxHash marks a fill that
// is matched but not yet settled on-chain, which the reconciliation sweep
// picks up.
type FillRecord struct {
	ID          string
	ProposalID  string
	Side        Side
	BuyOrderID  string
	SellOrderID string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	TxHash      string
	CreatedAt   time.Time
}

// OrderStore persists orders and their fills.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)

	// ListResting returns all open/partial orders of the given type for one
	// (proposal, side) pair, ordered by insertion time ascending.
	ListResting(ctx context.Context, proposalID string, side Side, orderType OrderType) ([]Order, error)

	// ApplyFill advances an order's filled amount from expectedFilled to
	// newFilled, appends the fill to the order's audit trail, and updates the
	// derived status and weighted executed price. The update is conditional
	// on the stored filled_amount still equalling expectedFilled; a
	// lost-race update returns ErrOverfill so the caller can re-read and
	// retry.
	ApplyFill(ctx context.Context, id string, expectedFilled, newFilled decimal.Decimal, fill Fill, status OrderStatus, executedPrice *decimal.Decimal) error

	// Cancel sets the order to cancelled unconditionally, preserving fills,
	// and returns the updated order.
	Cancel(ctx context.Context, id string) (Order, error)

	AppendFillRecord(ctx context.Context, rec FillRecord) (string, error)
	SetFillTxHash(ctx context.Context, fillID, txHash string) error

	// ListUnsettledFills returns fill pairings with no transaction hash that
	// were created before the cutoff, oldest first.
	ListUnsettledFills(ctx context.Context, before time.Time, limit int) ([]FillRecord, error)
}

// BookStore persists derived order book aggregates.
type BookStore interface {
	Upsert(ctx context.Context, book OrderBook) error
	Get(ctx context.Context, proposalID string, side Side) (OrderBook, error)
}

// PriceHistoryStore persists trade price points for TWAP and volume queries.
type PriceHistoryStore interface {
	Append(ctx context.Context, p PricePoint) error
	ListWindow(ctx context.Context, proposalID string, side Side, from, to time.Time) ([]PricePoint, error)

	// Latest returns the most recent price point for the pair, or
	// ErrNotFound when no trade has ever printed.
	Latest(ctx context.Context, proposalID string, side Side) (PricePoint, error)
	SumVolume(ctx context.Context, proposalID string, side Side, from, to time.Time) (decimal.Decimal, error)
}

// ProposalStore persists proposal chain metadata.
type ProposalStore interface {
	Upsert(ctx context.Context, p Proposal) error
	GetByID(ctx context.Context, id string) (Proposal, error)
}
