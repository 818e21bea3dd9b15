package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrNoLiquidity        = errors.New("no liquidity on opposite side")
	ErrConfigMissing      = errors.New("proposal token configuration missing")
	ErrNoPriceAvailable   = errors.New("no price available for settlement")
	ErrWrongPhase         = errors.New("proposal not in trading phase")
	ErrUnauthorizedSigner = errors.New("signer not authorized for settlement")
	ErrUnderpriced        = errors.New("transaction underpriced")
	ErrNonceStale         = errors.New("transaction nonce already used")
	ErrOverfill           = errors.New("fill exceeds order amount")
	ErrQueueFull          = errors.New("settlement queue full")
	ErrLockHeld           = errors.New("lock already held")
)
