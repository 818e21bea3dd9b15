// Package twap computes rolling-window average prices from trade history.
//
// Despite the name, the average is volume-weighted rather than a true time
// integral: it never fills silent gaps with the last known price. Downstream
// consumers (the book snapshot and the settlement slippage check) depend on
// this exact behavior, so it must not be "fixed" into a time integral.
package twap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
)

// Window lengths for the three published averages.
const (
	Window1h  = time.Hour
	Window4h  = 4 * time.Hour
	Window24h = 24 * time.Hour
)

// Calculator computes window averages and writes them back onto the book
// aggregate, where consumers read them.
type Calculator struct {
	history domain.PriceHistoryStore
	books   domain.BookStore
	logger  *slog.Logger
}

// NewCalculator creates a Calculator with all required dependencies.
func NewCalculator(history domain.PriceHistoryStore, books domain.BookStore, logger *slog.Logger) *Calculator {
	return &Calculator{
		history: history,
		books:   books,
		logger:  logger.With(slog.String("component", "twap")),
	}
}

// Compute returns the volume-weighted average price over [from, to]. A
// window with zero matched volume yields zero: an empty window is a valid,
// uninformative state, not an error.
func (c *Calculator) Compute(ctx context.Context, proposalID string, side domain.Side, from, to time.Time) (decimal.Decimal, error) {
	points, err := c.history.ListWindow(ctx, proposalID, side, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("twap: list window: %w", err)
	}
	return weightedAverage(points), nil
}

// weightedAverage accumulates Σ(price×volume) and Σ(volume) and divides
// once at the end, avoiding running-average drift.
func weightedAverage(points []domain.PricePoint) decimal.Decimal {
	value := decimal.Zero
	volume := decimal.Zero
	for _, p := range points {
		value = value.Add(p.Price.Mul(p.Volume))
		volume = volume.Add(p.Volume)
	}
	if volume.IsZero() {
		return decimal.Zero
	}
	return value.Div(volume)
}

// Refresh recomputes all three window averages plus the 24h volume for one
// (proposal, side) pair and writes them onto the stored book aggregate.
// This is a side-effecting refresh, not a pure query: consumers read the
// values off the book snapshot.
func (c *Calculator) Refresh(ctx context.Context, proposalID string, side domain.Side) error {
	now := time.Now().UTC()

	book, err := c.books.Get(ctx, proposalID, side)
	if err != nil {
		return fmt.Errorf("twap: load book %s/%s: %w", proposalID, side, err)
	}

	for _, w := range []struct {
		window time.Duration
		dst    *decimal.Decimal
	}{
		{Window1h, &book.TWAP1h},
		{Window4h, &book.TWAP4h},
		{Window24h, &book.TWAP24h},
	} {
		avg, err := c.Compute(ctx, proposalID, side, now.Add(-w.window), now)
		if err != nil {
			return err
		}
		*w.dst = avg
	}

	vol, err := c.history.SumVolume(ctx, proposalID, side, now.Add(-Window24h), now)
	if err != nil {
		return fmt.Errorf("twap: sum 24h volume: %w", err)
	}
	book.Volume24h = vol
	book.TWAPLastUpdate = now

	if err := c.books.Upsert(ctx, book); err != nil {
		return fmt.Errorf("twap: store book %s/%s: %w", proposalID, side, err)
	}

	c.logger.DebugContext(ctx, "refreshed window averages",
		slog.String("proposal", proposalID),
		slog.String("side", string(side)),
		slog.String("twap_1h", book.TWAP1h.String()),
	)
	return nil
}
