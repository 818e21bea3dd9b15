// Package engine implements the matching engine: it accepts orders,
// executes market orders against the opposite resting queue, and keeps the
// derived book aggregate consistent with order state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
)

// Settler receives matched fill pairings for asynchronous on-chain
// settlement. Implementations must not block the matching path.
type Settler interface {
	SettleFill(ctx context.Context, rec domain.FillRecord)
}

// twapRefresher recomputes window averages onto the book aggregate.
type twapRefresher interface {
	Refresh(ctx context.Context, proposalID string, side domain.Side) error
}

// SubmitRequest carries a validated order submission.
type SubmitRequest struct {
	ProposalID  string
	Side        domain.Side
	OrderType   domain.OrderType
	Execution   domain.OrderExecution
	Price       decimal.Decimal // required for limit orders
	Amount      decimal.Decimal
	UserAddress string
}

// Engine coordinates order persistence, matching, book rebuilds, and event
// emission for all (proposal, side) pairs.
//
// The read-match-write stretch of a submission spans several store round
// trips, so two concurrent submissions against the same book could both
// observe a candidate's pre-update remaining amount. A per-(proposal, side)
// mutex serializes submissions per book; the store's conditional fill
// update is kept as a backstop against overfill if that discipline is ever
// bypassed.
type Engine struct {
	orders  domain.OrderStore
	books   domain.BookStore
	history domain.PriceHistoryStore
	cache   domain.BookCache
	bus     domain.SignalBus
	twap    twapRefresher
	settler Settler
	met     *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	bookLocks map[string]*sync.Mutex
}

// New creates an Engine with all required dependencies. The settler may be
// nil, in which case fills are recorded but not forwarded for settlement
// (the reconciliation sweep will find them).
func New(
	orders domain.OrderStore,
	books domain.BookStore,
	history domain.PriceHistoryStore,
	cache domain.BookCache,
	bus domain.SignalBus,
	twap twapRefresher,
	settler Settler,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		orders:    orders,
		books:     books,
		history:   history,
		cache:     cache,
		bus:       bus,
		twap:      twap,
		settler:   settler,
		met:       met,
		logger:    logger.With(slog.String("component", "engine")),
		bookLocks: make(map[string]*sync.Mutex),
	}
}

// lockBook returns the serialization mutex for one (proposal, side) book.
func (e *Engine) lockBook(proposalID string, side domain.Side) *sync.Mutex {
	key := proposalID + "/" + string(side)
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.bookLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.bookLocks[key] = l
	}
	return l
}

// validate applies the synchronous precondition checks. Failures are
// ErrInvalidOrder and never create an order.
func validate(req SubmitRequest) error {
	if !req.Side.Valid() {
		return fmt.Errorf("%w: side %q", domain.ErrInvalidOrder, req.Side)
	}
	if req.OrderType != domain.OrderTypeBuy && req.OrderType != domain.OrderTypeSell {
		return fmt.Errorf("%w: order type %q", domain.ErrInvalidOrder, req.OrderType)
	}
	if req.Execution != domain.ExecutionLimit && req.Execution != domain.ExecutionMarket {
		return fmt.Errorf("%w: execution %q", domain.ErrInvalidOrder, req.Execution)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidOrder)
	}
	if req.Execution == domain.ExecutionLimit && !req.Price.IsPositive() {
		return fmt.Errorf("%w: limit orders require a positive price", domain.ErrInvalidOrder)
	}
	if req.UserAddress == "" {
		return fmt.Errorf("%w: user address required", domain.ErrInvalidOrder)
	}
	return nil
}

// SubmitOrder validates and persists a new order, immediately matches it if
// it is a market order, and refreshes the book and window averages for the
// affected pair. It returns the order in its post-matching state.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (domain.Order, error) {
	if err := validate(req); err != nil {
		e.met.OrdersRejected.WithLabelValues("invalid").Inc()
		return domain.Order{}, err
	}

	lock := e.lockBook(req.ProposalID, req.Side)
	lock.Lock()
	defer lock.Unlock()

	// Market orders take their price from the opposite best level; with no
	// opposite liquidity the order is rejected and never created.
	var candidates []domain.Order
	price := req.Price
	if req.Execution == domain.ExecutionMarket {
		var err error
		candidates, err = e.orders.ListResting(ctx, req.ProposalID, req.Side, req.OrderType.Opposite())
		if err != nil {
			return domain.Order{}, fmt.Errorf("engine: list resting: %w", err)
		}
		sortCandidates(candidates, req.OrderType)
		if len(candidates) == 0 {
			e.met.OrdersRejected.WithLabelValues("no_liquidity").Inc()
			return domain.Order{}, domain.ErrNoLiquidity
		}
		price = candidates[0].Price
	}

	now := time.Now().UTC()
	order := domain.Order{
		ID:           uuid.New().String(),
		ProposalID:   req.ProposalID,
		Side:         req.Side,
		OrderType:    req.OrderType,
		Execution:    req.Execution,
		Price:        price,
		Amount:       req.Amount,
		FilledAmount: decimal.Zero,
		Status:       domain.OrderStatusOpen,
		UserAddress:  req.UserAddress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.orders.Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("engine: create order: %w", err)
	}
	e.met.OrdersTotal.WithLabelValues(string(req.Side), string(req.OrderType), string(req.Execution)).Inc()

	if req.Execution == domain.ExecutionMarket {
		matched, err := e.match(ctx, &order, candidates)
		if err != nil {
			return domain.Order{}, err
		}
		order = matched
	}

	if err := e.refreshPair(ctx, req.ProposalID, req.Side); err != nil {
		// The order itself is committed: surface the refresh failure in the
		// log but hand the caller their order.
		e.logger.ErrorContext(ctx, "post-match refresh failed",
			slog.String("proposal", req.ProposalID),
			slog.String("side", string(req.Side)),
			slog.String("error", err.Error()),
		)
	}

	e.publishOrderStatus(ctx, order, domain.OrderStatusOpen)
	return order, nil
}

// CancelOrder sets the order to cancelled unconditionally, even when
// partially filled; prior fills are preserved. The book is rebuilt so the
// cancelled remainder leaves the levels.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	existing, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: cancel %q: %w", orderID, err)
	}

	lock := e.lockBook(existing.ProposalID, existing.Side)
	lock.Lock()
	defer lock.Unlock()

	previous := existing.Status
	order, err := e.orders.Cancel(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: cancel %q: %w", orderID, err)
	}

	if err := e.rebuildAndStore(ctx, order.ProposalID, order.Side); err != nil {
		e.logger.ErrorContext(ctx, "book rebuild after cancel failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}

	e.publishOrderStatus(ctx, order, previous)
	return order, nil
}

// GetOrder returns a single order by id.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("engine: get order %q: %w", orderID, err)
	}
	return order, nil
}

// GetBook returns the current book snapshot, preferring the cache and
// falling back to the store.
func (e *Engine) GetBook(ctx context.Context, proposalID string, side domain.Side) (domain.OrderBook, error) {
	if book, err := e.cache.GetSnapshot(ctx, proposalID, side); err == nil {
		return book, nil
	}
	book, err := e.books.Get(ctx, proposalID, side)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("engine: get book %s/%s: %w", proposalID, side, err)
	}
	return book, nil
}

// GetTWAP reads the three window averages off the stored book aggregate.
func (e *Engine) GetTWAP(ctx context.Context, proposalID string, side domain.Side) (domain.TWAPResult, error) {
	book, err := e.books.Get(ctx, proposalID, side)
	if err != nil {
		return domain.TWAPResult{}, fmt.Errorf("engine: get twap %s/%s: %w", proposalID, side, err)
	}
	return domain.TWAPResult{TWAP1h: book.TWAP1h, TWAP4h: book.TWAP4h, TWAP24h: book.TWAP24h}, nil
}

// refreshPair rebuilds the book and recomputes the window averages after
// any order state change on the pair.
func (e *Engine) refreshPair(ctx context.Context, proposalID string, side domain.Side) error {
	if err := e.rebuildAndStore(ctx, proposalID, side); err != nil {
		return err
	}
	if err := e.twap.Refresh(ctx, proposalID, side); err != nil {
		return fmt.Errorf("engine: twap refresh: %w", err)
	}
	// Re-store the cache with the TWAP fields the refresh just wrote.
	book, err := e.books.Get(ctx, proposalID, side)
	if err != nil {
		return fmt.Errorf("engine: reload book: %w", err)
	}
	if err := e.cache.SetSnapshot(ctx, book); err != nil {
		e.logger.WarnContext(ctx, "book cache update failed",
			slog.String("proposal", proposalID),
			slog.String("error", err.Error()),
		)
	}
	e.publishBookUpdate(ctx, book)
	return nil
}
