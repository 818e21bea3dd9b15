package domain

import (
	"context"
	"time"
)

// SignalBus is the fire-and-forget event channel feeding the notification
// sink. Publish failures must never affect matching or settlement
// correctness; callers log and move on.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BookCache holds the latest order book snapshot per (proposal, side) for
// cheap reads by the API and the ws hub.
type BookCache interface {
	SetSnapshot(ctx context.Context, book OrderBook) error
	GetSnapshot(ctx context.Context, proposalID string, side Side) (OrderBook, error)
}

// RateLimiter bounds request rates per key. Allow counts the request when
// it is permitted.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locks so that only one replica runs a
// given background job at a time. Acquire returns ErrLockHeld when the lock
// is taken elsewhere.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
