package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
)

// sortCandidates orders the opposite resting queue by price priority for
// the incoming order type, then insertion time ascending within a level. A
// buy walks the asks cheapest-first; a sell walks the bids highest-first.
func sortCandidates(candidates []domain.Order, incoming domain.OrderType) {
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Price, candidates[j].Price
		if !pi.Equal(pj) {
			if incoming == domain.OrderTypeBuy {
				return pi.LessThan(pj)
			}
			return pi.GreaterThan(pj)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
}

// match executes the incoming market order against the pre-sorted opposite
// queue. Fills always execute at the resting order's price: price
// improvement favors the incoming order. A remainder that finds no further
// candidates stays open or partial; there is no implied cancellation.
//
// The caller holds the book lock for the pair.
func (e *Engine) match(ctx context.Context, incoming *domain.Order, candidates []domain.Order) (domain.Order, error) {
	remaining := incoming.Remaining()

	// Integer-style accumulation for the incoming order's weighted average:
	// sum value and volume across all fills in this call, divide once.
	value := decimal.Zero
	volume := decimal.Zero

	for i := range candidates {
		if !remaining.IsPositive() {
			break
		}
		cand := candidates[i]

		qty := decimal.Min(remaining, cand.Remaining())
		if !qty.IsPositive() {
			continue
		}

		now := time.Now().UTC()
		if err := e.fillCandidate(ctx, cand, incoming.ID, qty, now); err != nil {
			if errors.Is(err, domain.ErrOverfill) {
				// Lost a conditional-update race: the candidate changed under
				// us. Skip it; the next submission will see its true state.
				e.logger.WarnContext(ctx, "candidate fill conflict, skipping",
					slog.String("candidate", cand.ID),
				)
				continue
			}
			return domain.Order{}, err
		}

		// Advance the incoming order by the same quantity at the resting
		// price, with the running weighted average across this call's fills.
		value = value.Add(cand.Price.Mul(qty))
		volume = volume.Add(qty)
		avg := value.Div(volume)

		expected := incoming.FilledAmount
		incoming.FilledAmount = incoming.FilledAmount.Add(qty)
		incoming.Status = incoming.StatusForFill()
		incoming.ExecutedPrice = &avg

		fill := domain.Fill{
			Price:          cand.Price,
			Amount:         qty,
			Timestamp:      now,
			MatchedOrderID: cand.ID,
		}
		incoming.Fills = append(incoming.Fills, fill)
		if err := e.orders.ApplyFill(ctx, incoming.ID, expected, incoming.FilledAmount, fill, incoming.Status, incoming.ExecutedPrice); err != nil {
			return domain.Order{}, fmt.Errorf("engine: apply fill to incoming: %w", err)
		}

		remaining = remaining.Sub(qty)
		e.recordTrade(ctx, *incoming, cand, qty, cand.Price, now)
	}

	return *incoming, nil
}

// fillCandidate advances a resting candidate by qty at its own price. The
// conditional update keeps a candidate's filled amount from ever exceeding
// its amount even if serialization is violated.
func (e *Engine) fillCandidate(ctx context.Context, cand domain.Order, incomingID string, qty decimal.Decimal, now time.Time) error {
	expected := cand.FilledAmount
	newFilled := cand.FilledAmount.Add(qty)

	previous := cand.Status
	cand.FilledAmount = newFilled
	status := cand.StatusForFill()

	// The candidate's own weighted average: resting orders only ever fill
	// at their own price, so it equals the resting price.
	execPrice := cand.Price

	fill := domain.Fill{
		Price:          cand.Price,
		Amount:         qty,
		Timestamp:      now,
		MatchedOrderID: incomingID,
	}
	if err := e.orders.ApplyFill(ctx, cand.ID, expected, newFilled, fill, status, &execPrice); err != nil {
		if errors.Is(err, domain.ErrOverfill) {
			return err
		}
		return fmt.Errorf("engine: apply fill to candidate %q: %w", cand.ID, err)
	}

	// The resting side changes state too; subscribers see both legs.
	cand.Status = status
	e.publishOrderStatus(ctx, cand, previous)
	return nil
}

// recordTrade writes the audit trail for one discrete pairing: the price
// point feeding TWAP, the fill record feeding settlement, the trade event,
// and the settlement job.
func (e *Engine) recordTrade(ctx context.Context, incoming, resting domain.Order, qty, price decimal.Decimal, now time.Time) {
	buyID, sellID := incoming.ID, resting.ID
	buyer, seller := incoming.UserAddress, resting.UserAddress
	if incoming.OrderType == domain.OrderTypeSell {
		buyID, sellID = resting.ID, incoming.ID
		buyer, seller = resting.UserAddress, incoming.UserAddress
	}

	if err := e.history.Append(ctx, domain.PricePoint{
		ProposalID: incoming.ProposalID,
		Side:       incoming.Side,
		Price:      price,
		Volume:     qty,
		Timestamp:  now,
	}); err != nil {
		e.logger.ErrorContext(ctx, "price history append failed",
			slog.String("proposal", incoming.ProposalID),
			slog.String("error", err.Error()),
		)
	}

	rec := domain.FillRecord{
		ProposalID:  incoming.ProposalID,
		Side:        incoming.Side,
		BuyOrderID:  buyID,
		SellOrderID: sellID,
		Price:       price,
		Amount:      qty,
		CreatedAt:   now,
	}
	id, err := e.orders.AppendFillRecord(ctx, rec)
	if err != nil {
		e.logger.ErrorContext(ctx, "fill record append failed",
			slog.String("buy_order", buyID),
			slog.String("sell_order", sellID),
			slog.String("error", err.Error()),
		)
		return
	}
	rec.ID = id

	e.met.FillsTotal.Inc()
	if v, _ := qty.Float64(); v > 0 {
		e.met.FillVolume.Add(v)
	}

	e.publishTrade(ctx, rec, buyer, seller)

	if e.settler != nil {
		e.settler.SettleFill(ctx, rec)
	}
}
