package settle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
)

func newTestSweeper(t *testing.T, fx *settleFixture, locks *fakeLocks) *Sweeper {
	t.Helper()
	cfg := SweeperConfig{
		Interval:   time.Minute,
		Grace:      time.Minute,
		BatchLimit: 10,
	}
	return NewSweeper(fx.orders, locks, fx.service, cfg, metrics.New(), slog.New(slog.DiscardHandler))
}

func TestSweepOnce_ResubmitsUnsettledFills(t *testing.T) {
	fx := newSettleFixture(t)
	fx.orders.unsettled = []domain.FillRecord{fillRec("fill-1"), fillRec("fill-2")}
	locks := &fakeLocks{}
	sweeper := newTestSweeper(t, fx, locks)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	if fx.orders.txHash("fill-1") == "" || fx.orders.txHash("fill-2") == "" {
		t.Errorf("unsettled fills not resubmitted: hashes %q, %q",
			fx.orders.txHash("fill-1"), fx.orders.txHash("fill-2"))
	}
	if locks.acquired != 1 {
		t.Errorf("lock acquired %d times, want 1", locks.acquired)
	}
}

func TestSweepOnce_SkipsSettledFills(t *testing.T) {
	fx := newSettleFixture(t)
	fx.orders.unsettled = []domain.FillRecord{fillRec("fill-1")}
	fx.orders.txHashes["fill-1"] = "0xdone"
	sweeper := newTestSweeper(t, fx, &fakeLocks{})

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	fx.backend.mu.Lock()
	defer fx.backend.mu.Unlock()
	if len(fx.backend.sent) != 0 {
		t.Errorf("sent %d txs for already-settled fills", len(fx.backend.sent))
	}
}

func TestSweepOnce_LockHeldElsewhere(t *testing.T) {
	fx := newSettleFixture(t)
	fx.orders.unsettled = []domain.FillRecord{fillRec("fill-1")}
	sweeper := newTestSweeper(t, fx, &fakeLocks{held: true})

	err := sweeper.SweepOnce(context.Background())
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	if fx.orders.txHash("fill-1") != "" {
		t.Errorf("swept while another replica held the lock")
	}
}

func TestSweepOnce_LockOutlivesInterval(t *testing.T) {
	fx := newSettleFixture(t)
	locks := &fakeLocks{}
	sweeper := NewSweeper(fx.orders, locks, fx.service, SweeperConfig{Interval: time.Minute},
		metrics.New(), slog.New(slog.DiscardHandler))

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	// A TTL at or below the cadence would let a second replica start
	// sweeping while a long pass is still running.
	if locks.lastTTL <= time.Minute {
		t.Errorf("lock ttl %s does not outlive the sweep interval", locks.lastTTL)
	}

	locks = &fakeLocks{}
	sweeper = NewSweeper(fx.orders, locks, fx.service,
		SweeperConfig{Interval: time.Minute, LockTTL: 2 * time.Hour},
		metrics.New(), slog.New(slog.DiscardHandler))
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if locks.lastTTL != 2*time.Hour {
		t.Errorf("lock ttl = %s, want configured 2h", locks.lastTTL)
	}
}

func TestSweepOnce_ContinuesPastFailures(t *testing.T) {
	fx := newSettleFixture(t)
	bad := fillRec("fill-bad")
	bad.ProposalID = "prop-unknown"
	fx.orders.unsettled = []domain.FillRecord{bad, fillRec("fill-good")}
	sweeper := newTestSweeper(t, fx, &fakeLocks{})

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if fx.orders.txHash("fill-good") == "" {
		t.Errorf("a failing fill stopped the sweep before later fills")
	}
}
