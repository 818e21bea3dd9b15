package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/engine"
)

// OrderService defines what the order handler needs from the matching
// engine.
type OrderService interface {
	SubmitOrder(ctx context.Context, req engine.SubmitRequest) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders   OrderService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:   orders,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// submitOrderRequest is the JSON body for order submission. Amounts travel
// as strings so no precision is lost in transit.
type submitOrderRequest struct {
	ProposalID  string `json:"proposalId" validate:"required"`
	Side        string `json:"side" validate:"required,oneof=approve reject"`
	OrderType   string `json:"orderType" validate:"required,oneof=buy sell"`
	Execution   string `json:"execution" validate:"required,oneof=limit market"`
	Price       string `json:"price" validate:"omitempty,numeric"`
	Amount      string `json:"amount" validate:"required,numeric"`
	UserAddress string `json:"userAddress" validate:"required,eth_addr"`
}

// SubmitOrder creates a new order. Market orders match immediately; the
// response carries the order in its post-matching state.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	req := engine.SubmitRequest{
		ProposalID:  body.ProposalID,
		Side:        domain.Side(body.Side),
		OrderType:   domain.OrderType(body.OrderType),
		Execution:   domain.OrderExecution(body.Execution),
		UserAddress: body.UserAddress,
	}

	var err error
	if req.Amount, err = decimal.NewFromString(body.Amount); err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount: "+err.Error())
		return
	}
	if body.Price != "" {
		if req.Price, err = decimal.NewFromString(body.Price); err != nil {
			writeError(w, http.StatusBadRequest, "invalid price: "+err.Error())
			return
		}
	}

	order, err := h.orders.SubmitOrder(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidOrder):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNoLiquidity):
			writeError(w, http.StatusConflict, "no liquidity on the opposite side")
		default:
			h.logger.ErrorContext(r.Context(), "handler: submit order failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to submit order")
		}
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// GetOrder returns one order with its fill audit trail.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels a resting order. Fills already made stand; only the
// unfilled remainder is withdrawn.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.orders.CancelOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
		return
	}

	writeJSON(w, http.StatusOK, order)
}
