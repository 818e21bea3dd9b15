package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/futarchia/marketd/internal/domain"
)

// Event channels consumed by the ws hub.
const (
	ChannelBooks  = "books"
	ChannelOrders = "orders"
	ChannelTrades = "trades"
)

// publishBookUpdate emits the full snapshot for subscribers. Best effort:
// a failed publish is logged and never propagated.
func (e *Engine) publishBookUpdate(ctx context.Context, book domain.OrderBook) {
	evt, _ := json.Marshal(map[string]any{
		"event":    "book_update",
		"proposal": book.ProposalID,
		"side":     string(book.Side),
		"book":     book,
	})
	if err := e.bus.Publish(ctx, ChannelBooks, evt); err != nil {
		e.logger.WarnContext(ctx, "publish book update failed",
			slog.String("proposal", book.ProposalID),
			slog.String("error", err.Error()),
		)
	}
}

// publishOrderStatus emits an order lifecycle event with its prior status.
func (e *Engine) publishOrderStatus(ctx context.Context, order domain.Order, previous domain.OrderStatus) {
	evt, _ := json.Marshal(map[string]any{
		"event":           "order_status",
		"order_id":        order.ID,
		"proposal":        order.ProposalID,
		"side":            string(order.Side),
		"status":          string(order.Status),
		"previous_status": string(previous),
		"filled_amount":   order.FilledAmount.String(),
	})
	if err := e.bus.Publish(ctx, ChannelOrders, evt); err != nil {
		e.logger.WarnContext(ctx, "publish order status failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publishTrade emits one discrete fill pairing.
func (e *Engine) publishTrade(ctx context.Context, rec domain.FillRecord, buyer, seller string) {
	evt, _ := json.Marshal(map[string]any{
		"event":      "trade",
		"proposal":   rec.ProposalID,
		"side":       string(rec.Side),
		"buy_order":  rec.BuyOrderID,
		"sell_order": rec.SellOrderID,
		"buyer":      buyer,
		"seller":     seller,
		"price":      rec.Price.String(),
		"amount":     rec.Amount.String(),
		"timestamp":  rec.CreatedAt.Format(time.RFC3339Nano),
	})
	if err := e.bus.Publish(ctx, ChannelTrades, evt); err != nil {
		e.logger.WarnContext(ctx, "publish trade failed",
			slog.String("buy_order", rec.BuyOrderID),
			slog.String("error", err.Error()),
		)
	}
}
