// Package settle converts matched fills into chain-ready trade operations
// and submits them through a serialized transaction pipeline.
package settle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
)

// job is one queued submission. The caller blocks on done for its own
// result; the queue worker runs jobs strictly in arrival order.
type job struct {
	ctx  context.Context
	run  func(ctx context.Context) (common.Hash, error)
	done chan jobResult
}

type jobResult struct {
	hash common.Hash
	err  error
}

// Queue is the process-wide FIFO for settlement transactions. All
// submissions signed by one key pass through one Queue, so no two
// transactions from this process ever race for the same account nonce.
// The guarantee does not extend across processes sharing a key; that would
// need external coordination, which is out of scope here.
type Queue struct {
	jobs   chan job
	met    *metrics.Metrics
	logger *slog.Logger
}

// NewQueue creates a bounded FIFO queue. Construct one per signing key.
func NewQueue(capacity int, met *metrics.Metrics, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		jobs:   make(chan job, capacity),
		met:    met,
		logger: logger.With(slog.String("component", "settle_queue")),
	}
}

// Run processes queued jobs serially until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-q.jobs:
			q.met.QueueDepth.Set(float64(len(q.jobs)))
			// A caller that gave up must not stall the queue; its job is
			// skipped, not executed with a dead context.
			if j.ctx.Err() != nil {
				j.done <- jobResult{err: j.ctx.Err()}
				continue
			}
			hash, err := j.run(j.ctx)
			j.done <- jobResult{hash: hash, err: err}
		}
	}
}

// do enqueues fn and blocks until it has run in turn. It returns
// ErrQueueFull when the queue is at capacity rather than blocking the
// matching path behind a backed-up chain.
func (q *Queue) do(ctx context.Context, fn func(ctx context.Context) (common.Hash, error)) (common.Hash, error) {
	j := job{ctx: ctx, run: fn, done: make(chan jobResult, 1)}
	select {
	case q.jobs <- j:
		q.met.QueueDepth.Set(float64(len(q.jobs)))
	default:
		return common.Hash{}, fmt.Errorf("settle: enqueue: %w", domain.ErrQueueFull)
	}

	select {
	case <-ctx.Done():
		// The queue worker still delivers to the buffered done channel, so
		// it never blocks on an abandoned job.
		return common.Hash{}, ctx.Err()
	case res := <-j.done:
		return res.hash, res.err
	}
}
