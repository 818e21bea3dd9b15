package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/futarchia/marketd/internal/domain"
)

// settlementABIv1 is the v1 settlement contract interface. The struct layout
// of TradeOp must match the contract's Trade tuple exactly.
const settlementABIv1 = `[
	{"type":"function","name":"currentPhase","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"tradeSubmitter","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"batchTrade","stateMutability":"nonpayable","inputs":[{"name":"ops","type":"tuple[]","components":[
		{"name":"seller","type":"address"},
		{"name":"buyer","type":"address"},
		{"name":"outcomeToken","type":"address"},
		{"name":"tokenAmount","type":"uint256"},
		{"name":"pyUsdAmount","type":"uint256"},
		{"name":"twapPrice","type":"uint256"}
	]}],"outputs":[]}
]`

// tradeOpTuple mirrors the contract's Trade tuple for abi packing.
type tradeOpTuple struct {
	Seller       common.Address
	Buyer        common.Address
	OutcomeToken common.Address
	TokenAmount  *big.Int
	PyUsdAmount  *big.Int
	TwapPrice    *big.Int
}

// SettlementContract is the typed binding for one deployed settlement
// contract version.
type SettlementContract struct {
	backend Backend
	abi     abi.ABI
}

// NewSettlementContract parses the v1 interface and returns a binding.
func NewSettlementContract(backend Backend) (*SettlementContract, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABIv1))
	if err != nil {
		return nil, fmt.Errorf("chain: parse settlement abi: %w", err)
	}
	return &SettlementContract{backend: backend, abi: parsed}, nil
}

// CurrentPhase reads the proposal lifecycle phase from the contract.
func (c *SettlementContract) CurrentPhase(ctx context.Context, contract common.Address) (domain.ProposalPhase, error) {
	out, err := c.view(ctx, contract, "currentPhase")
	if err != nil {
		return 0, fmt.Errorf("chain: currentPhase: %w", err)
	}
	phase, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: currentPhase: unexpected type %T", out[0])
	}
	return domain.ProposalPhase(phase), nil
}

// TradeSubmitter reads the address authorized to submit batch trades.
func (c *SettlementContract) TradeSubmitter(ctx context.Context, contract common.Address) (common.Address, error) {
	out, err := c.view(ctx, contract, "tradeSubmitter")
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: tradeSubmitter: %w", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: tradeSubmitter: unexpected type %T", out[0])
	}
	return addr, nil
}

// PackBatchTrade encodes the calldata for a batchTrade submission.
func (c *SettlementContract) PackBatchTrade(ops []domain.TradeOp) ([]byte, error) {
	tuples := make([]tradeOpTuple, len(ops))
	for i, op := range ops {
		tuples[i] = tradeOpTuple{
			Seller:       common.HexToAddress(op.Seller),
			Buyer:        common.HexToAddress(op.Buyer),
			OutcomeToken: common.HexToAddress(op.OutcomeToken),
			TokenAmount:  op.TokenAmount,
			PyUsdAmount:  op.PyUSDAmount,
			TwapPrice:    op.TWAPPrice,
		}
	}
	data, err := c.abi.Pack("batchTrade", tuples)
	if err != nil {
		return nil, fmt.Errorf("chain: pack batchTrade: %w", err)
	}
	return data, nil
}

func (c *SettlementContract) view(ctx context.Context, contract common.Address, method string) ([]any, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return c.abi.Unpack(method, res)
}
