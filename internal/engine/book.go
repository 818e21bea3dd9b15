package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
)

// RebuildBook regenerates the bid/ask levels for one pair from the current
// set of open and partial orders. It is deterministic: identical order sets
// produce identical level sequences, so it serves both the incremental
// post-trade rebuild and the periodic full reconciliation.
func (e *Engine) RebuildBook(ctx context.Context, proposalID string, side domain.Side) (domain.OrderBook, error) {
	buys, err := e.orders.ListResting(ctx, proposalID, side, domain.OrderTypeBuy)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("engine: list bids: %w", err)
	}
	sells, err := e.orders.ListResting(ctx, proposalID, side, domain.OrderTypeSell)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("engine: list asks: %w", err)
	}

	// Carry over the trade-derived fields; only the levels are rebuilt.
	book, err := e.books.Get(ctx, proposalID, side)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.OrderBook{}, fmt.Errorf("engine: load book: %w", err)
		}
		book = domain.OrderBook{ProposalID: proposalID, Side: side}
	}

	book.Bids = aggregateLevels(buys, true)
	book.Asks = aggregateLevels(sells, false)
	if latest, err := e.history.Latest(ctx, proposalID, side); err == nil {
		book.LastPrice = latest.Price
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.OrderBook{}, fmt.Errorf("engine: latest trade price: %w", err)
	}
	return book, nil
}

// rebuildAndStore rebuilds the book and persists it to the store and cache.
func (e *Engine) rebuildAndStore(ctx context.Context, proposalID string, side domain.Side) error {
	book, err := e.RebuildBook(ctx, proposalID, side)
	if err != nil {
		return err
	}
	if err := e.books.Upsert(ctx, book); err != nil {
		return fmt.Errorf("engine: store book: %w", err)
	}
	if err := e.cache.SetSnapshot(ctx, book); err != nil {
		// Cache is an acceleration layer only.
		e.logger.Warn("book cache update failed", "proposal", proposalID, "error", err.Error())
	}
	e.met.BookRebuilds.Inc()
	return nil
}

// aggregateLevels groups resting orders by exact price string, sums the
// remaining amount per level, and sorts bids descending / asks ascending by
// numeric price. Levels with zero remaining amount never appear.
func aggregateLevels(orders []domain.Order, bids bool) []domain.PriceLevel {
	byPrice := make(map[string]*domain.PriceLevel)
	for _, o := range orders {
		remaining := o.Remaining()
		if !remaining.IsPositive() {
			continue
		}
		key := o.Price.String()
		lvl, ok := byPrice[key]
		if !ok {
			lvl = &domain.PriceLevel{Price: o.Price, Amount: decimal.Zero}
			byPrice[key] = lvl
		}
		lvl.Amount = lvl.Amount.Add(remaining)
		lvl.OrderCount++
	}

	levels := make([]domain.PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		levels = append(levels, *lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if bids {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}
