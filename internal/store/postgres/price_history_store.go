package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
)

// PriceHistoryStore implements domain.PriceHistoryStore using PostgreSQL.
type PriceHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPriceHistoryStore creates a PriceHistoryStore backed by the given pool.
func NewPriceHistoryStore(pool *pgxpool.Pool) *PriceHistoryStore {
	return &PriceHistoryStore{pool: pool}
}

// Append records one trade price point.
func (s *PriceHistoryStore) Append(ctx context.Context, p domain.PricePoint) error {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_points (proposal_id, side, price, volume, ts)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ProposalID, string(p.Side), p.Price.String(), p.Volume.String(), ts)
	if err != nil {
		return fmt.Errorf("postgres: append price point: %w", err)
	}
	return nil
}

// ListWindow returns the price points in [from, to] oldest first.
func (s *PriceHistoryStore) ListWindow(ctx context.Context, proposalID string, side domain.Side, from, to time.Time) ([]domain.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT price, volume, ts FROM price_points
		 WHERE proposal_id = $1 AND side = $2 AND ts >= $3 AND ts <= $4
		 ORDER BY ts ASC`,
		proposalID, string(side), from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price window: %w", err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		p := domain.PricePoint{ProposalID: proposalID, Side: side}
		var price, volume string
		if err := rows.Scan(&price, &volume, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan price point: %w", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: parse price %q: %w", price, err)
		}
		if p.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("postgres: parse volume %q: %w", volume, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Latest returns the most recent price point for the pair.
func (s *PriceHistoryStore) Latest(ctx context.Context, proposalID string, side domain.Side) (domain.PricePoint, error) {
	p := domain.PricePoint{ProposalID: proposalID, Side: side}
	var price, volume string

	err := s.pool.QueryRow(ctx,
		`SELECT price, volume, ts FROM price_points
		 WHERE proposal_id = $1 AND side = $2
		 ORDER BY ts DESC
		 LIMIT 1`,
		proposalID, string(side),
	).Scan(&price, &volume, &p.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PricePoint{}, domain.ErrNotFound
		}
		return domain.PricePoint{}, fmt.Errorf("postgres: latest price point: %w", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return domain.PricePoint{}, fmt.Errorf("postgres: parse price %q: %w", price, err)
	}
	if p.Volume, err = decimal.NewFromString(volume); err != nil {
		return domain.PricePoint{}, fmt.Errorf("postgres: parse volume %q: %w", volume, err)
	}
	return p, nil
}

// SumVolume returns the total traded volume in [from, to].
func (s *PriceHistoryStore) SumVolume(ctx context.Context, proposalID string, side domain.Side, from, to time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(volume), 0) FROM price_points
		 WHERE proposal_id = $1 AND side = $2 AND ts >= $3 AND ts <= $4`,
		proposalID, string(side), from, to,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum volume: %w", err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse volume sum %q: %w", sum, err)
	}
	return d, nil
}
