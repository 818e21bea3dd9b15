package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/futarchia/marketd/internal/domain"
)

// BookService defines what the book handler needs from the matching engine.
type BookService interface {
	GetBook(ctx context.Context, proposalID string, side domain.Side) (domain.OrderBook, error)
	GetTWAP(ctx context.Context, proposalID string, side domain.Side) (domain.TWAPResult, error)
}

// BookHandler serves order book and TWAP read endpoints.
type BookHandler struct {
	books  BookService
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler with the given service and logger.
func NewBookHandler(books BookService, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, logger: logger}
}

func pairParams(r *http.Request) (string, domain.Side, bool) {
	proposalID := pathParam(r, "proposal")
	side := domain.Side(pathParam(r, "side"))
	return proposalID, side, proposalID != "" && side.Valid()
}

// GetBook returns the current aggregated book for one (proposal, side)
// pair, including last price, 24h volume, and the rolling TWAPs.
// GET /api/books/{proposal}/{side}
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	proposalID, side, ok := pairParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "proposal and side (approve|reject) required")
		return
	}

	book, err := h.books.GetBook(r.Context(), proposalID, side)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get book failed",
			slog.String("proposal_id", proposalID),
			slog.String("side", string(side)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get book")
		return
	}

	writeJSON(w, http.StatusOK, book)
}

// GetTWAP returns the rolling window averages for one (proposal, side) pair.
// GET /api/twap/{proposal}/{side}
func (h *BookHandler) GetTWAP(w http.ResponseWriter, r *http.Request) {
	proposalID, side, ok := pairParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "proposal and side (approve|reject) required")
		return
	}

	twap, err := h.books.GetTWAP(r.Context(), proposalID, side)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no data for pair")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get twap failed",
			slog.String("proposal_id", proposalID),
			slog.String("side", string(side)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get twap")
		return
	}

	writeJSON(w, http.StatusOK, twap)
}
