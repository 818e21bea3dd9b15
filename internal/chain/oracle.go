package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/futarchia/marketd/internal/domain"
)

// proposalABIv1 covers the read-only proposal/auction surface consulted as
// a price source and metadata registry.
const proposalABIv1 = `[
	{"type":"function","name":"currentAuctionPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approveToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"rejectToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"paymentToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"currentPhase","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// erc20ABI is the minimal token surface needed for decimal resolution.
const erc20ABI = `[
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// Oracle reads auction prices and proposal metadata from chain. It is the
// price-oracle adapter: read-only, no transactions.
type Oracle struct {
	backend  Backend
	proposal abi.ABI
	erc20    abi.ABI
}

// NewOracle parses the proposal and token interfaces and returns an Oracle.
func NewOracle(backend Backend) (*Oracle, error) {
	proposal, err := abi.JSON(strings.NewReader(proposalABIv1))
	if err != nil {
		return nil, fmt.Errorf("chain: parse proposal abi: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse erc20 abi: %w", err)
	}
	return &Oracle{backend: backend, proposal: proposal, erc20: erc20}, nil
}

// AuctionPrice returns the current Dutch-auction price in settlement
// currency integer units.
func (o *Oracle) AuctionPrice(ctx context.Context, contract common.Address) (*big.Int, error) {
	out, err := o.call(ctx, o.proposal, contract, "currentAuctionPrice")
	if err != nil {
		return nil, fmt.Errorf("chain: currentAuctionPrice: %w", err)
	}
	price, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: currentAuctionPrice: unexpected type %T", out[0])
	}
	return price, nil
}

// SyncProposal reads the full proposal metadata set: outcome token
// addresses, settlement currency, decimals, and phase.
func (o *Oracle) SyncProposal(ctx context.Context, proposalID string, contract common.Address) (domain.Proposal, error) {
	approve, err := o.addressView(ctx, contract, "approveToken")
	if err != nil {
		return domain.Proposal{}, err
	}
	reject, err := o.addressView(ctx, contract, "rejectToken")
	if err != nil {
		return domain.Proposal{}, err
	}
	payment, err := o.addressView(ctx, contract, "paymentToken")
	if err != nil {
		return domain.Proposal{}, err
	}

	phaseOut, err := o.call(ctx, o.proposal, contract, "currentPhase")
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("chain: currentPhase: %w", err)
	}
	phase, _ := phaseOut[0].(uint8)

	tokenDec, err := o.decimals(ctx, approve)
	if err != nil {
		return domain.Proposal{}, err
	}
	pyusdDec, err := o.decimals(ctx, payment)
	if err != nil {
		return domain.Proposal{}, err
	}

	return domain.Proposal{
		ID:                  proposalID,
		ContractAddress:     contract.Hex(),
		ApproveTokenAddress: approve.Hex(),
		RejectTokenAddress:  reject.Hex(),
		PyUSDAddress:        payment.Hex(),
		TokenDecimals:       tokenDec,
		PyUSDDecimals:       pyusdDec,
		Phase:               domain.ProposalPhase(phase),
		SyncedAt:            time.Now().UTC(),
	}, nil
}

func (o *Oracle) decimals(ctx context.Context, token common.Address) (int, error) {
	out, err := o.call(ctx, o.erc20, token, "decimals")
	if err != nil {
		return 0, fmt.Errorf("chain: decimals of %s: %w", token.Hex(), err)
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: decimals: unexpected type %T", out[0])
	}
	return int(d), nil
}

func (o *Oracle) addressView(ctx context.Context, contract common.Address, method string) (common.Address, error) {
	out, err := o.call(ctx, o.proposal, contract, method)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: %s: %w", method, err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: %s: unexpected type %T", method, out[0])
	}
	return addr, nil
}

func (o *Oracle) call(ctx context.Context, parsed abi.ABI, contract common.Address, method string) ([]any, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := o.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return parsed.Unpack(method, res)
}
