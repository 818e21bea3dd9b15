package domain

import "time"

// ProposalPhase mirrors the settlement contract's lifecycle phase. Trades
// are only accepted by the contract during the trading phase.
type ProposalPhase uint8

const (
	PhaseAuction ProposalPhase = iota
	PhaseTrading
	PhaseResolved
)

// Proposal holds the chain-side metadata the settlement layer needs: the
// outcome token addresses per side and the settlement currency. It is synced
// from the proposal contract and persisted; a missing token address triggers
// an on-demand resync before settlement gives up.
type Proposal struct {
	ID                  string
	ContractAddress     string
	ApproveTokenAddress string
	RejectTokenAddress  string
	PyUSDAddress        string
	TokenDecimals       int
	PyUSDDecimals       int
	Phase               ProposalPhase
	SyncedAt            time.Time
}

// OutcomeToken returns the outcome token address for the given side.
func (p Proposal) OutcomeToken(side Side) string {
	if side == SideApprove {
		return p.ApproveTokenAddress
	}
	return p.RejectTokenAddress
}
