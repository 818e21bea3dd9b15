package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
)

// BookStore implements domain.BookStore using PostgreSQL. The book is a
// derived aggregate, so every write replaces the whole row.
type BookStore struct {
	pool *pgxpool.Pool
}

// NewBookStore creates a BookStore backed by the given connection pool.
func NewBookStore(pool *pgxpool.Pool) *BookStore {
	return &BookStore{pool: pool}
}

// Upsert replaces the stored book for the (proposal, side) pair.
func (s *BookStore) Upsert(ctx context.Context, book domain.OrderBook) error {
	bids, err := json.Marshal(book.Bids)
	if err != nil {
		return fmt.Errorf("postgres: marshal bids: %w", err)
	}
	asks, err := json.Marshal(book.Asks)
	if err != nil {
		return fmt.Errorf("postgres: marshal asks: %w", err)
	}

	var twapUpdated *time.Time
	if !book.TWAPLastUpdate.IsZero() {
		twapUpdated = &book.TWAPLastUpdate
	}

	const query = `
		INSERT INTO order_books (
			proposal_id, side, bids, asks, last_price, volume_24h,
			twap_1h, twap_4h, twap_24h, twap_updated_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (proposal_id, side) DO UPDATE SET
			bids = EXCLUDED.bids,
			asks = EXCLUDED.asks,
			last_price = EXCLUDED.last_price,
			volume_24h = EXCLUDED.volume_24h,
			twap_1h = EXCLUDED.twap_1h,
			twap_4h = EXCLUDED.twap_4h,
			twap_24h = EXCLUDED.twap_24h,
			twap_updated_at = EXCLUDED.twap_updated_at,
			updated_at = NOW()`

	_, err = s.pool.Exec(ctx, query,
		book.ProposalID, string(book.Side), bids, asks,
		book.LastPrice.String(), book.Volume24h.String(),
		book.TWAP1h.String(), book.TWAP4h.String(), book.TWAP24h.String(),
		twapUpdated,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert book %s/%s: %w", book.ProposalID, book.Side, err)
	}
	return nil
}

// Get loads the stored book for the (proposal, side) pair.
func (s *BookStore) Get(ctx context.Context, proposalID string, side domain.Side) (domain.OrderBook, error) {
	var (
		book        domain.OrderBook
		bids        []byte
		asks        []byte
		lastPrice   string
		volume      string
		twap1h      string
		twap4h      string
		twap24h     string
		twapUpdated *time.Time
	)

	err := s.pool.QueryRow(ctx,
		`SELECT bids, asks, last_price, volume_24h,
		        twap_1h, twap_4h, twap_24h, twap_updated_at
		 FROM order_books
		 WHERE proposal_id = $1 AND side = $2`,
		proposalID, string(side),
	).Scan(&bids, &asks, &lastPrice, &volume, &twap1h, &twap4h, &twap24h, &twapUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderBook{}, domain.ErrNotFound
		}
		return domain.OrderBook{}, fmt.Errorf("postgres: get book %s/%s: %w", proposalID, side, err)
	}

	book.ProposalID = proposalID
	book.Side = side
	if err := json.Unmarshal(bids, &book.Bids); err != nil {
		return domain.OrderBook{}, fmt.Errorf("postgres: unmarshal bids: %w", err)
	}
	if err := json.Unmarshal(asks, &book.Asks); err != nil {
		return domain.OrderBook{}, fmt.Errorf("postgres: unmarshal asks: %w", err)
	}

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&book.LastPrice, lastPrice},
		{&book.Volume24h, volume},
		{&book.TWAP1h, twap1h},
		{&book.TWAP4h, twap4h},
		{&book.TWAP24h, twap24h},
	} {
		d, perr := decimal.NewFromString(field.src)
		if perr != nil {
			return domain.OrderBook{}, fmt.Errorf("postgres: parse book numeric %q: %w", field.src, perr)
		}
		*field.dst = d
	}
	if twapUpdated != nil {
		book.TWAPLastUpdate = *twapUpdated
	}
	return book, nil
}
