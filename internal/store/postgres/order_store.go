package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. Amount columns
// are NUMERIC and travel as strings so no precision is lost in transit.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	fillsJSON, err := json.Marshal(o.Fills)
	if err != nil {
		return fmt.Errorf("postgres: marshal fills for order %s: %w", o.ID, err)
	}

	var executedPrice *string
	if o.ExecutedPrice != nil {
		v := o.ExecutedPrice.String()
		executedPrice = &v
	}

	const query = `
		INSERT INTO orders (
			id, proposal_id, side, order_type, execution,
			price, amount, filled_amount, executed_price, fills,
			status, user_address, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		o.ID, o.ProposalID, string(o.Side), string(o.OrderType), string(o.Execution),
		o.Price.String(), o.Amount.String(), o.FilledAmount.String(), executedPrice, fillsJSON,
		string(o.Status), o.UserAddress, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

const orderSelectCols = `id, proposal_id, side, order_type, execution,
	price, amount, filled_amount, executed_price, fills,
	status, user_address, created_at, updated_at`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Order, error) {
	var (
		o             domain.Order
		side          string
		orderType     string
		execution     string
		status        string
		price         string
		amount        string
		filledAmount  string
		executedPrice *string
		fillsJSON     []byte
	)

	err := scanner.Scan(
		&o.ID, &o.ProposalID, &side, &orderType, &execution,
		&price, &amount, &filledAmount, &executedPrice, &fillsJSON,
		&status, &o.UserAddress, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.Side(side)
	o.OrderType = domain.OrderType(orderType)
	o.Execution = domain.OrderExecution(execution)
	o.Status = domain.OrderStatus(status)

	if o.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Order{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Order{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if o.FilledAmount, err = decimal.NewFromString(filledAmount); err != nil {
		return domain.Order{}, fmt.Errorf("parse filled amount %q: %w", filledAmount, err)
	}
	if executedPrice != nil {
		ep, err := decimal.NewFromString(*executedPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse executed price %q: %w", *executedPrice, err)
		}
		o.ExecutedPrice = &ep
	}
	if len(fillsJSON) > 0 {
		if err := json.Unmarshal(fillsJSON, &o.Fills); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal fills: %w", err)
		}
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListResting returns open and partially filled orders of one type for a
// (proposal, side) pair, oldest first so time priority is preserved.
func (s *OrderStore) ListResting(ctx context.Context, proposalID string, side domain.Side, orderType domain.OrderType) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE proposal_id = $1 AND side = $2 AND order_type = $3
		   AND status IN ('open', 'partial')
		 ORDER BY created_at ASC`,
		proposalID, string(side), string(orderType))
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resting orders: %w", err)
	}
	return orders, nil
}

// ApplyFill advances the order's filled amount with a compare-and-set on
// the stored value. A concurrent writer that got there first makes the
// WHERE clause miss, which surfaces as ErrOverfill so the caller re-reads
// and retries.
func (s *OrderStore) ApplyFill(ctx context.Context, id string, expectedFilled, newFilled decimal.Decimal, fill domain.Fill, status domain.OrderStatus, executedPrice *decimal.Decimal) error {
	fillJSON, err := json.Marshal(fill)
	if err != nil {
		return fmt.Errorf("postgres: marshal fill for order %s: %w", id, err)
	}

	var executedPriceStr *string
	if executedPrice != nil {
		v := executedPrice.String()
		executedPriceStr = &v
	}

	const query = `
		UPDATE orders
		SET filled_amount = $1,
		    fills = fills || $2::jsonb,
		    status = $3,
		    executed_price = COALESCE($4, executed_price),
		    updated_at = NOW()
		WHERE id = $5
		  AND filled_amount = $6
		  AND $1::numeric <= amount`

	tag, err := s.pool.Exec(ctx, query,
		newFilled.String(), fillJSON, string(status), executedPriceStr,
		id, expectedFilled.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: apply fill to order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check order %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: apply fill to order %s: %w", id, domain.ErrOverfill)
	}
	return nil
}

// Cancel marks the order cancelled and returns the updated row. Fills and
// the filled amount are preserved for the audit trail.
func (s *OrderStore) Cancel(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE orders
		 SET status = 'cancelled', updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+orderSelectCols, id)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: cancel order %s: %w", id, err)
	}
	return o, nil
}

// AppendFillRecord writes one matched pairing row and returns its id. The
// tx_hash column starts empty; the settlement pipeline fills it in on
// confirmation.
func (s *OrderStore) AppendFillRecord(ctx context.Context, rec domain.FillRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO fills (
			id, proposal_id, side, buy_order_id, sell_order_id,
			price, amount, tx_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		id, rec.ProposalID, string(rec.Side), rec.BuyOrderID, rec.SellOrderID,
		rec.Price.String(), rec.Amount.String(), rec.TxHash, createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: append fill record: %w", err)
	}
	return id, nil
}

// SetFillTxHash records the confirmed settlement transaction for a fill.
func (s *OrderStore) SetFillTxHash(ctx context.Context, fillID, txHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fills SET tx_hash = $1 WHERE id = $2`, txHash, fillID)
	if err != nil {
		return fmt.Errorf("postgres: set fill tx hash %s: %w", fillID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListSettledFills returns fills that already carry a settlement
// transaction hash and were created before the cutoff. The archiver uses
// this to export cold history.
func (s *OrderStore) ListSettledFills(ctx context.Context, before time.Time) ([]domain.FillRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, proposal_id, side, buy_order_id, sell_order_id,
		        price, amount, tx_hash, created_at
		 FROM fills
		 WHERE tx_hash <> '' AND created_at < $1
		 ORDER BY created_at ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled fills: %w", err)
	}
	defer rows.Close()
	return scanFillRows(rows)
}

// ListUnsettledFills returns fills with no transaction hash created before
// the cutoff, oldest first. The partial index on tx_hash = '' keeps this
// cheap as settled history grows.
func (s *OrderStore) ListUnsettledFills(ctx context.Context, before time.Time, limit int) ([]domain.FillRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, proposal_id, side, buy_order_id, sell_order_id,
		        price, amount, tx_hash, created_at
		 FROM fills
		 WHERE tx_hash = '' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled fills: %w", err)
	}
	defer rows.Close()
	return scanFillRows(rows)
}

func scanFillRows(rows pgx.Rows) ([]domain.FillRecord, error) {
	var recs []domain.FillRecord
	for rows.Next() {
		var (
			rec    domain.FillRecord
			side   string
			price  string
			amount string
		)
		if err := rows.Scan(
			&rec.ID, &rec.ProposalID, &side, &rec.BuyOrderID, &rec.SellOrderID,
			&price, &amount, &rec.TxHash, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan fill record: %w", err)
		}
		rec.Side = domain.Side(side)
		var err error
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: parse fill price %q: %w", price, err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: parse fill amount %q: %w", amount, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
