package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/futarchia/marketd/internal/chain"
	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
)

// settlementContract is the typed surface of the deployed settlement
// contract the submitter talks to.
type settlementContract interface {
	CurrentPhase(ctx context.Context, contract common.Address) (domain.ProposalPhase, error)
	TradeSubmitter(ctx context.Context, contract common.Address) (common.Address, error)
	PackBatchTrade(ops []domain.TradeOp) ([]byte, error)
}

// txSigner signs transactions for the submitter account.
type txSigner interface {
	Address() common.Address
	ChainID() *big.Int
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// errTxKnown marks a broadcast the node already has in its pool. The
// transaction is live, so the send counts as a success.
var errTxKnown = errors.New("transaction already in pool")

// Broadcast identifies one transaction handed to the node, retaining the
// parameters needed to replace it on the same nonce if confirmation
// stalls. Replacements never read a fresh nonce, so a slow original and
// its replacements can mine at most once between them.
type Broadcast struct {
	Hash common.Hash

	nonce    uint64
	tip      *big.Int
	feeCap   *big.Int
	gasLimit uint64
	to       common.Address
	data     []byte
}

// SubmitterConfig holds the retry policy for the transaction pipeline.
type SubmitterConfig struct {
	// MaxAttempts bounds broadcast attempts per submission, including the
	// first one.
	MaxAttempts int

	// FeeBumpBps is the basis-point increase applied to both fee
	// components after an underpriced failure (1500 = +15%).
	FeeBumpBps int64

	// FallbackGasLimit is used when gas estimation fails; estimation
	// failure is not fatal.
	FallbackGasLimit uint64

	// RetryDelay is the cooperative sleep between attempts.
	RetryDelay time.Duration

	// ConfirmPollInterval is the receipt polling cadence in WaitMined.
	ConfirmPollInterval time.Duration
}

func (c *SubmitterConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.FeeBumpBps <= 0 {
		c.FeeBumpBps = 1500
	}
	if c.FallbackGasLimit == 0 {
		c.FallbackGasLimit = 1_500_000
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 3 * time.Second
	}
}

// Submitter broadcasts batch trade transactions with fee-bump and
// nonce-refresh retries. Every submission passes through the shared FIFO
// queue, so per-account nonce acquisition is totally ordered within this
// process.
type Submitter struct {
	backend  chain.Backend
	contract settlementContract
	signer   txSigner
	queue    *Queue
	cfg      SubmitterConfig
	met      *metrics.Metrics
	logger   *slog.Logger
}

// NewSubmitter creates a Submitter. The queue must be the per-signing-key
// queue; sharing it with another signer would break nonce serialization.
func NewSubmitter(
	backend chain.Backend,
	contract settlementContract,
	signer txSigner,
	queue *Queue,
	cfg SubmitterConfig,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Submitter {
	cfg.defaults()
	return &Submitter{
		backend:  backend,
		contract: contract,
		signer:   signer,
		queue:    queue,
		cfg:      cfg,
		met:      met,
		logger:   logger.With(slog.String("component", "settle_submitter")),
	}
}

// Submit queues the batch and blocks until it has been broadcast in turn.
// It returns the broadcast handle; confirmation is the caller's concern
// via WaitMined, with Replace available when the window elapses.
func (s *Submitter) Submit(ctx context.Context, proposalAddr common.Address, ops []domain.TradeOp) (*Broadcast, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("settle: submit: empty op batch")
	}
	var bcast *Broadcast
	_, err := s.queue.do(ctx, func(ctx context.Context) (common.Hash, error) {
		b, err := s.submitSerialized(ctx, proposalAddr, ops)
		if err != nil {
			return common.Hash{}, err
		}
		bcast = b
		return b.Hash, nil
	})
	if err != nil {
		return nil, err
	}
	return bcast, nil
}

// MaxAttempts reports the configured broadcast attempt bound. Callers
// replacing stalled transactions apply the same bound.
func (s *Submitter) MaxAttempts() int { return s.cfg.MaxAttempts }

// submitSerialized runs with the queue's serialization guarantee: no other
// submission from this process is acquiring a nonce concurrently.
func (s *Submitter) submitSerialized(ctx context.Context, proposalAddr common.Address, ops []domain.TradeOp) (*Broadcast, error) {
	// Preflight: wrong phase and unauthorized signer are not transient;
	// fail before spending an attempt.
	phase, err := s.contract.CurrentPhase(ctx, proposalAddr)
	if err != nil {
		return nil, fmt.Errorf("settle: preflight phase: %w", err)
	}
	if phase != domain.PhaseTrading {
		return nil, fmt.Errorf("settle: phase %d: %w", phase, domain.ErrWrongPhase)
	}
	authorized, err := s.contract.TradeSubmitter(ctx, proposalAddr)
	if err != nil {
		return nil, fmt.Errorf("settle: preflight submitter: %w", err)
	}
	if authorized != s.signer.Address() {
		return nil, fmt.Errorf("settle: signer %s, authorized %s: %w",
			s.signer.Address().Hex(), authorized.Hex(), domain.ErrUnauthorizedSigner)
	}

	data, err := s.contract.PackBatchTrade(ops)
	if err != nil {
		return nil, err
	}

	// Gas estimation failure is soft: broadcast with the fallback limit
	// rather than aborting the settlement.
	gasLimit := s.cfg.FallbackGasLimit
	if est, estErr := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: s.signer.Address(),
		To:   &proposalAddr,
		Data: data,
	}); estErr == nil {
		gasLimit = est + est/5 // headroom
	} else {
		s.logger.WarnContext(ctx, "gas estimation failed, using fallback limit",
			slog.Uint64("fallback", gasLimit),
			slog.String("error", estErr.Error()),
		)
	}

	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle: suggest tip: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle: suggest gas price: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(gasPrice, big.NewInt(2)), tip)

	nonce, err := s.backend.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("settle: pending nonce: %w", err)
	}

	for attempt := 1; ; attempt++ {
		s.met.SettleAttempts.Inc()

		bcast := &Broadcast{
			nonce:    nonce,
			tip:      tip,
			feeCap:   feeCap,
			gasLimit: gasLimit,
			to:       proposalAddr,
			data:     data,
		}
		signed, err := s.send(ctx, bcast)
		if err == nil {
			s.logger.InfoContext(ctx, "settlement broadcast",
				slog.String("tx", signed.Hex()),
				slog.Uint64("nonce", nonce),
				slog.Int("attempt", attempt),
				slog.Int("ops", len(ops)),
			)
			bcast.Hash = signed
			return bcast, nil
		}

		classified := classifyBroadcastError(err)
		if errors.Is(classified, errTxKnown) {
			// The node already holds this exact transaction; it is live
			// and will mine on its own. Broadcasting again would only
			// burn a nonce on a duplicate.
			s.logger.InfoContext(ctx, "settlement already in pool",
				slog.String("tx", bcast.Hash.Hex()),
				slog.Uint64("nonce", nonce),
			)
			return bcast, nil
		}
		if attempt >= s.cfg.MaxAttempts {
			s.met.SettleFailures.Inc()
			return nil, fmt.Errorf("settle: %d attempts exhausted: %w", attempt, err)
		}

		switch {
		case errors.Is(classified, domain.ErrUnderpriced):
			// Bump both components, keep the nonce: the stuck transaction
			// is replaced, not duplicated.
			tip = bump(tip, s.cfg.FeeBumpBps)
			feeCap = bump(feeCap, s.cfg.FeeBumpBps)
			s.met.SettleRetries.WithLabelValues("underpriced").Inc()
			s.logger.WarnContext(ctx, "underpriced, bumping fees",
				slog.Uint64("nonce", nonce),
				slog.String("tip", tip.String()),
				slog.String("fee_cap", feeCap.String()),
			)

		case errors.Is(classified, domain.ErrNonceStale):
			fresh, nErr := s.backend.PendingNonceAt(ctx, s.signer.Address())
			if nErr != nil {
				return nil, fmt.Errorf("settle: nonce refresh: %w", nErr)
			}
			nonce = fresh
			s.met.SettleRetries.WithLabelValues("nonce_stale").Inc()
			s.logger.WarnContext(ctx, "stale nonce, refreshed",
				slog.Uint64("nonce", nonce),
			)

		default:
			s.met.SettleFailures.Inc()
			return nil, fmt.Errorf("settle: broadcast: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// send signs and broadcasts one transaction built from the handle's
// parameters, filling in its hash.
func (s *Submitter) send(ctx context.Context, b *Broadcast) (common.Hash, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.signer.ChainID(),
		Nonce:     b.nonce,
		GasTipCap: b.tip,
		GasFeeCap: b.feeCap,
		Gas:       b.gasLimit,
		To:        &b.to,
		Data:      b.data,
	})
	signed, err := s.signer.SignTx(tx)
	if err != nil {
		return common.Hash{}, err
	}
	b.Hash = signed.Hash()
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// Replace rebroadcasts the payload on the same nonce with bumped fees,
// displacing the stalled original in the pool. An ErrNonceStale result
// means the nonce slot has been consumed, usually because an earlier
// broadcast for this submission mined after the confirmation window
// closed; the caller should check those receipts before giving up.
func (s *Submitter) Replace(ctx context.Context, prev *Broadcast) (*Broadcast, error) {
	next := &Broadcast{
		nonce:    prev.nonce,
		tip:      bump(prev.tip, s.cfg.FeeBumpBps),
		feeCap:   bump(prev.feeCap, s.cfg.FeeBumpBps),
		gasLimit: prev.gasLimit,
		to:       prev.to,
		data:     prev.data,
	}

	s.met.SettleAttempts.Inc()
	if _, err := s.send(ctx, next); err != nil {
		classified := classifyBroadcastError(err)
		switch {
		case errors.Is(classified, errTxKnown):
			// The replacement itself is already pooled.
		case errors.Is(classified, domain.ErrNonceStale):
			return nil, fmt.Errorf("settle: replace %s: %w", prev.Hash.Hex(), domain.ErrNonceStale)
		default:
			return nil, fmt.Errorf("settle: replace %s: %w", prev.Hash.Hex(), err)
		}
	}
	s.met.SettleRetries.WithLabelValues("confirm_timeout").Inc()
	s.logger.WarnContext(ctx, "confirmation stalled, replacing on same nonce",
		slog.String("prev_tx", prev.Hash.Hex()),
		slog.String("tx", next.Hash.Hex()),
		slog.Uint64("nonce", next.nonce),
		slog.String("tip", next.tip.String()),
		slog.String("fee_cap", next.feeCap.String()),
	)
	return next, nil
}

// Receipt is a single non-blocking receipt lookup; it returns the
// backend's not-found error while the transaction is unmined.
func (s *Submitter) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return s.backend.TransactionReceipt(ctx, hash)
}

// WaitMined polls for the receipt until it lands or the timeout elapses.
// A timeout does not abandon the transaction; it signals the caller that a
// fee-bump replacement on the same nonce may be warranted.
func (s *Submitter) WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("settle: wait mined %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// bump multiplies v by (1 + bps/10000) using integer arithmetic, always
// increasing by at least one wei so retries are strictly increasing.
func bump(v *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(10000+bps))
	out.Quo(out, big.NewInt(10000))
	if out.Cmp(v) <= 0 {
		out.Add(v, big.NewInt(1))
	}
	return out
}

// classifyBroadcastError maps node error strings onto the retryable
// sentinel classes plus the already-pooled case. Anything unmatched is
// terminal. "already known" is deliberately not nonce-stale: the node is
// reporting that this exact transaction is pooled, so re-sending it one
// nonce higher would duplicate it.
func classifyBroadcastError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "already in the txpool"):
		return errTxKnown
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "fee too low"),
		strings.Contains(msg, "tip too low"),
		strings.Contains(msg, "fee cap less than"):
		return domain.ErrUnderpriced
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce already used"),
		strings.Contains(msg, "invalid nonce"):
		return domain.ErrNonceStale
	default:
		return err
	}
}
