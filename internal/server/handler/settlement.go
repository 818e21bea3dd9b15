package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/futarchia/marketd/internal/domain"
)

// SweepService triggers a reconciliation pass over unsettled fills.
type SweepService interface {
	SweepOnce(ctx context.Context) error
}

// SettlementHandler serves settlement operations endpoints.
type SettlementHandler struct {
	sweeper SweepService
	logger  *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(sweeper SweepService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{sweeper: sweeper, logger: logger}
}

// TriggerSweep runs one reconciliation pass on demand, resubmitting matched
// fills that never got a settlement transaction.
// POST /api/settlements/sweep
func (h *SettlementHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.sweeper.SweepOnce(r.Context()); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			writeError(w, http.StatusConflict, "sweep already running elsewhere")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: sweep failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
