package notify

import (
	"context"
	"fmt"

	"github.com/futarchia/marketd/internal/domain"
)

// EventSettlementFailed is the event type emitted when a fill cannot be
// settled on chain after exhausting retries.
const EventSettlementFailed = "settlement_failed"

// SettlementAlerter translates terminal settlement failures into operator
// notifications. Delivery errors are already logged by the Notifier, so
// callers fire and forget.
type SettlementAlerter struct {
	notifier *Notifier
}

// NewSettlementAlerter creates a SettlementAlerter backed by the given
// Notifier.
func NewSettlementAlerter(n *Notifier) *SettlementAlerter {
	return &SettlementAlerter{notifier: n}
}

// SettlementFailed notifies operators that a matched fill could not be
// settled and needs attention. The fill stays unsettled in the store, so the
// sweep loop will keep retrying it.
func (a *SettlementAlerter) SettlementFailed(ctx context.Context, rec domain.FillRecord, err error) {
	title := "Settlement failed"
	message := fmt.Sprintf(
		"fill %s on proposal %s (%s) could not be settled\nprice=%s amount=%s matched=%s\nerror: %v",
		rec.ID, rec.ProposalID, rec.Side,
		rec.Price.String(), rec.Amount.String(), rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		err,
	)
	_ = a.notifier.Notify(ctx, EventSettlementFailed, title, message) //nolint:errcheck
}
