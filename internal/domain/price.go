package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is one trade-history record. The TWAP calculator and the 24h
// volume aggregate are computed from these.
type PricePoint struct {
	ProposalID string
	Side       Side
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Timestamp  time.Time
}

// TWAPResult bundles the three rolling-window averages read off the book.
type TWAPResult struct {
	TWAP1h  decimal.Decimal `json:"twap1h"`
	TWAP4h  decimal.Decimal `json:"twap4h"`
	TWAP24h decimal.Decimal `json:"twap24h"`
}
