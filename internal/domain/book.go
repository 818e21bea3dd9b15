package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel aggregates the resting quantity at one exact price.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	OrderCount int             `json:"orderCount"`
}

// OrderBook is the derived aggregate for one (proposal, side) pair. It is
// never mutated in place: every change to order state replaces it wholesale
// with a fresh rebuild, so it can always be regenerated from orders.
type OrderBook struct {
	ProposalID     string          `json:"proposalId"`
	Side           Side            `json:"side"`
	Bids           []PriceLevel    `json:"bids"` // price descending
	Asks           []PriceLevel    `json:"asks"` // price ascending
	LastPrice      decimal.Decimal `json:"lastPrice"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	TWAP1h         decimal.Decimal `json:"twap1h"`
	TWAP4h         decimal.Decimal `json:"twap4h"`
	TWAP24h        decimal.Decimal `json:"twap24h"`
	TWAPLastUpdate time.Time       `json:"twapLastUpdate"`
}

// BestBid returns the highest-priced bid level, if any.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest-priced ask level, if any.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}
