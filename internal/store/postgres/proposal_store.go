package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/futarchia/marketd/internal/domain"
)

// ProposalStore implements domain.ProposalStore using PostgreSQL.
type ProposalStore struct {
	pool *pgxpool.Pool
}

// NewProposalStore creates a ProposalStore backed by the given pool.
func NewProposalStore(pool *pgxpool.Pool) *ProposalStore {
	return &ProposalStore{pool: pool}
}

// Upsert writes or replaces the proposal's chain metadata.
func (s *ProposalStore) Upsert(ctx context.Context, p domain.Proposal) error {
	var syncedAt *time.Time
	if !p.SyncedAt.IsZero() {
		syncedAt = &p.SyncedAt
	}

	const query = `
		INSERT INTO proposals (
			id, contract_address, approve_token_address, reject_token_address,
			pyusd_address, token_decimals, pyusd_decimals, phase, synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			contract_address = EXCLUDED.contract_address,
			approve_token_address = EXCLUDED.approve_token_address,
			reject_token_address = EXCLUDED.reject_token_address,
			pyusd_address = EXCLUDED.pyusd_address,
			token_decimals = EXCLUDED.token_decimals,
			pyusd_decimals = EXCLUDED.pyusd_decimals,
			phase = EXCLUDED.phase,
			synced_at = EXCLUDED.synced_at`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.ContractAddress, p.ApproveTokenAddress, p.RejectTokenAddress,
		p.PyUSDAddress, p.TokenDecimals, p.PyUSDDecimals, int16(p.Phase), syncedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert proposal %s: %w", p.ID, err)
	}
	return nil
}

// GetByID loads one proposal's chain metadata.
func (s *ProposalStore) GetByID(ctx context.Context, id string) (domain.Proposal, error) {
	var (
		p        domain.Proposal
		phase    int16
		syncedAt *time.Time
	)

	err := s.pool.QueryRow(ctx,
		`SELECT id, contract_address, approve_token_address, reject_token_address,
		        pyusd_address, token_decimals, pyusd_decimals, phase, synced_at
		 FROM proposals WHERE id = $1`, id,
	).Scan(
		&p.ID, &p.ContractAddress, &p.ApproveTokenAddress, &p.RejectTokenAddress,
		&p.PyUSDAddress, &p.TokenDecimals, &p.PyUSDDecimals, &phase, &syncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Proposal{}, domain.ErrNotFound
		}
		return domain.Proposal{}, fmt.Errorf("postgres: get proposal %s: %w", id, err)
	}

	p.Phase = domain.ProposalPhase(phase)
	if syncedAt != nil {
		p.SyncedAt = *syncedAt
	}
	return p, nil
}
