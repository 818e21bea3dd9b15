package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which outcome market of a proposal an order belongs to.
type Side string

const (
	SideApprove Side = "approve"
	SideReject  Side = "reject"
)

// Valid reports whether s is one of the two outcome markets.
func (s Side) Valid() bool {
	return s == SideApprove || s == SideReject
}

// OrderType indicates whether the order buys or sells outcome tokens.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// Opposite returns the matching counterparty order type.
func (t OrderType) Opposite() OrderType {
	if t == OrderTypeBuy {
		return OrderTypeSell
	}
	return OrderTypeBuy
}

// OrderExecution indicates how the order is priced.
type OrderExecution string

const (
	ExecutionLimit  OrderExecution = "limit"
	ExecutionMarket OrderExecution = "market"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Fill is one discrete matched quantity between two orders. The fills slice
// on an order is append-only and serves as the durable settlement audit
// trail: TxHash ties a fill back to its on-chain confirmation and stays
// empty while the fill is matched but not yet settled.
type Fill struct {
	Price          decimal.Decimal `json:"price"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
	MatchedOrderID string          `json:"matchedOrderId"`
	TxHash         string          `json:"txHash,omitempty"`
}

// Order is a user's trading intent on one outcome market.
type Order struct {
	ID            string
	ProposalID    string
	Side          Side
	OrderType     OrderType
	Execution     OrderExecution
	Price         decimal.Decimal
	Amount        decimal.Decimal
	FilledAmount  decimal.Decimal
	ExecutedPrice *decimal.Decimal // weighted average across this order's own fills
	Fills         []Fill
	Status        OrderStatus
	UserAddress   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// StatusForFill derives the status implied by the current filled amount.
// Cancelled orders keep their status regardless of fills.
func (o Order) StatusForFill() OrderStatus {
	if o.Status == OrderStatusCancelled {
		return OrderStatusCancelled
	}
	switch {
	case o.FilledAmount.GreaterThanOrEqual(o.Amount):
		return OrderStatusFilled
	case o.FilledAmount.IsPositive():
		return OrderStatusPartial
	default:
		return OrderStatusOpen
	}
}

// Resting reports whether the order still sits in the book.
func (o Order) Resting() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartial
}
