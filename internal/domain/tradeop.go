package domain

import "math/big"

// TradeOp is the integer-scaled, contract-ready representation of one
// matched fill. Amounts are never produced from floating point: all scaling
// is exact integer arithmetic, scale-then-multiply-then-divide.
type TradeOp struct {
	Seller       string
	Buyer        string
	OutcomeToken string
	TokenAmount  *big.Int // scaled to the outcome token's decimals
	PyUSDAmount  *big.Int // scaled to the settlement currency's decimals
	TWAPPrice    *big.Int // settlement-currency decimals, slippage check input
}
