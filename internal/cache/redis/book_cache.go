package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/futarchia/marketd/internal/domain"
)

// bookSnapshotTTL bounds staleness if the engine stops refreshing a pair;
// readers then fall through to the store.
const bookSnapshotTTL = 5 * time.Minute

// BookCache implements domain.BookCache, holding one JSON snapshot per
// (proposal, side) pair. The engine overwrites the snapshot on every book
// rebuild, so readers always see the latest complete aggregate.
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookSnapshotKey(proposalID string, side domain.Side) string {
	return "book:" + proposalID + ":" + string(side)
}

// SetSnapshot replaces the cached snapshot for the book's pair.
func (bc *BookCache) SetSnapshot(ctx context.Context, book domain.OrderBook) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("redis: marshal book snapshot: %w", err)
	}
	key := bookSnapshotKey(book.ProposalID, book.Side)
	if err := bc.rdb.Set(ctx, key, data, bookSnapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis: set book snapshot %s: %w", key, err)
	}
	return nil
}

// GetSnapshot loads the cached snapshot, or ErrNotFound on a miss.
func (bc *BookCache) GetSnapshot(ctx context.Context, proposalID string, side domain.Side) (domain.OrderBook, error) {
	key := bookSnapshotKey(proposalID, side)
	data, err := bc.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OrderBook{}, domain.ErrNotFound
		}
		return domain.OrderBook{}, fmt.Errorf("redis: get book snapshot %s: %w", key, err)
	}

	var book domain.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("redis: unmarshal book snapshot %s: %w", key, err)
	}
	return book, nil
}

var _ domain.BookCache = (*BookCache)(nil)
