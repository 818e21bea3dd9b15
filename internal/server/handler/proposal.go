package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/futarchia/marketd/internal/domain"
)

// ProposalSyncer re-reads proposal metadata from the chain.
type ProposalSyncer interface {
	SyncProposal(ctx context.Context, proposalID string, contract common.Address) (domain.Proposal, error)
}

// ProposalHandler serves proposal metadata endpoints.
type ProposalHandler struct {
	proposals domain.ProposalStore
	oracle    ProposalSyncer
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewProposalHandler creates a ProposalHandler.
func NewProposalHandler(proposals domain.ProposalStore, oracle ProposalSyncer, logger *slog.Logger) *ProposalHandler {
	return &ProposalHandler{
		proposals: proposals,
		oracle:    oracle,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// GetProposal returns the stored chain metadata for one proposal.
// GET /api/proposals/{id}
func (h *ProposalHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing proposal id")
		return
	}

	p, err := h.proposals.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get proposal failed",
			slog.String("proposal_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get proposal")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// syncProposalRequest registers a proposal contract and pulls its token
// configuration from the chain.
type syncProposalRequest struct {
	ContractAddress string `json:"contractAddress" validate:"required,eth_addr"`
}

// SyncProposal reads the proposal's token addresses and decimals from its
// contract and persists them.
// POST /api/proposals/{id}/sync
func (h *ProposalHandler) SyncProposal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing proposal id")
		return
	}

	var body syncProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	p, err := h.oracle.SyncProposal(r.Context(), id, common.HexToAddress(body.ContractAddress))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: sync proposal failed",
			slog.String("proposal_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to sync proposal from chain")
		return
	}

	if err := h.proposals.Upsert(r.Context(), p); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: persist proposal failed",
			slog.String("proposal_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to store proposal")
		return
	}

	writeJSON(w, http.StatusOK, p)
}
