package settle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
)

// ---------------------------------------------------------------------------
// fakes

type fakeProposalStore struct {
	proposals map[string]domain.Proposal
	upserted  []domain.Proposal
}

func (f *fakeProposalStore) Upsert(_ context.Context, p domain.Proposal) error {
	f.upserted = append(f.upserted, p)
	if f.proposals == nil {
		f.proposals = map[string]domain.Proposal{}
	}
	f.proposals[p.ID] = p
	return nil
}

func (f *fakeProposalStore) GetByID(_ context.Context, id string) (domain.Proposal, error) {
	p, ok := f.proposals[id]
	if !ok {
		return domain.Proposal{}, domain.ErrNotFound
	}
	return p, nil
}

type fakeBuilderBooks struct {
	book domain.OrderBook
	err  error
}

func (f *fakeBuilderBooks) Upsert(context.Context, domain.OrderBook) error { return nil }

func (f *fakeBuilderBooks) Get(context.Context, string, domain.Side) (domain.OrderBook, error) {
	if f.err != nil {
		return domain.OrderBook{}, f.err
	}
	return f.book, nil
}

type fakeTWAPSource struct {
	price decimal.Decimal
}

func (f *fakeTWAPSource) Compute(context.Context, string, domain.Side, time.Time, time.Time) (decimal.Decimal, error) {
	return f.price, nil
}

type fakeOracle struct {
	synced domain.Proposal
	err    error
	calls  int
}

func (f *fakeOracle) SyncProposal(_ context.Context, _ string, _ common.Address) (domain.Proposal, error) {
	f.calls++
	if f.err != nil {
		return domain.Proposal{}, f.err
	}
	return f.synced, nil
}

// ---------------------------------------------------------------------------

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testProposal() domain.Proposal {
	return domain.Proposal{
		ID:                  "prop-1",
		ContractAddress:     "0x00000000000000000000000000000000000000aa",
		ApproveTokenAddress: "0x00000000000000000000000000000000000000ab",
		RejectTokenAddress:  "0x00000000000000000000000000000000000000ac",
		PyUSDAddress:        "0x00000000000000000000000000000000000000ad",
		TokenDecimals:       18,
		PyUSDDecimals:       6,
		Phase:               domain.PhaseTrading,
	}
}

func newTestBuilder(proposals *fakeProposalStore, books *fakeBuilderBooks, twapSrc *fakeTWAPSource, oracle *fakeOracle) *Builder {
	if books == nil {
		books = &fakeBuilderBooks{err: domain.ErrNotFound}
	}
	if twapSrc == nil {
		twapSrc = &fakeTWAPSource{}
	}
	if oracle == nil {
		oracle = &fakeOracle{}
	}
	return NewBuilder(proposals, books, twapSrc, oracle, slog.New(slog.DiscardHandler))
}

func limitOrder(ot domain.OrderType, price string) domain.Order {
	return domain.Order{
		ID:          string(ot) + "-1",
		ProposalID:  "prop-1",
		Side:        domain.SideApprove,
		OrderType:   ot,
		Execution:   domain.ExecutionLimit,
		Price:       dec(price),
		Amount:      dec("4"),
		UserAddress: "0x" + string(ot)[:1] + "000000000000000000000000000000000000001",
	}
}

func marketOrder(ot domain.OrderType, user string) domain.Order {
	return domain.Order{
		ID:          string(ot) + "-1",
		ProposalID:  "prop-1",
		Side:        domain.SideApprove,
		OrderType:   ot,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("4"),
		UserAddress: user,
	}
}

func TestBuildTradeOp_ExactScaling(t *testing.T) {
	proposals := &fakeProposalStore{proposals: map[string]domain.Proposal{"prop-1": testProposal()}}
	b := newTestBuilder(proposals, nil, nil, nil)

	buy := limitOrder(domain.OrderTypeBuy, "2.5")
	buy.UserAddress = "0x1111111111111111111111111111111111111111"
	sell := limitOrder(domain.OrderTypeSell, "2.5")
	sell.UserAddress = "0x2222222222222222222222222222222222222222"

	op, p, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, dec("2.5"), dec("4"))
	if err != nil {
		t.Fatalf("BuildTradeOp: %v", err)
	}

	if got, want := op.TokenAmount.String(), "4000000000000000000"; got != want {
		t.Errorf("tokenAmount = %s, want %s", got, want)
	}
	// 2.5 PyUSD/token × 4 tokens = 10 PyUSD in 6-decimal units.
	if got, want := op.PyUSDAmount.String(), "10000000"; got != want {
		t.Errorf("pyUsdAmount = %s, want %s", got, want)
	}
	// No trade history: the TWAP snapshot falls back to the trade price.
	if got, want := op.TWAPPrice.String(), "2500000"; got != want {
		t.Errorf("twapPrice = %s, want %s", got, want)
	}
	if op.Buyer != buy.UserAddress || op.Seller != sell.UserAddress {
		t.Errorf("parties = buyer %s seller %s", op.Buyer, op.Seller)
	}
	if op.OutcomeToken != p.ApproveTokenAddress {
		t.Errorf("outcomeToken = %s, want approve token", op.OutcomeToken)
	}
}

func TestBuildTradeOp_Deterministic(t *testing.T) {
	proposals := &fakeProposalStore{proposals: map[string]domain.Proposal{"prop-1": testProposal()}}
	b := newTestBuilder(proposals, nil, &fakeTWAPSource{price: dec("2.4")}, nil)

	buy := limitOrder(domain.OrderTypeBuy, "2.5")
	sell := limitOrder(domain.OrderTypeSell, "2.5")

	first, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, dec("2.5"), dec("3.333333"))
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, dec("2.5"), dec("3.333333"))
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if first.TokenAmount.Cmp(second.TokenAmount) != 0 ||
		first.PyUSDAmount.Cmp(second.PyUSDAmount) != 0 ||
		first.TWAPPrice.Cmp(second.TWAPPrice) != 0 {
		t.Errorf("same inputs produced different ops: %+v vs %+v", first, second)
	}
}

func TestBuildTradeOp_PriceFallbackChain(t *testing.T) {
	newStore := func() *fakeProposalStore {
		return &fakeProposalStore{proposals: map[string]domain.Proposal{"prop-1": testProposal()}}
	}

	t.Run("explicit price wins", func(t *testing.T) {
		b := newTestBuilder(newStore(), nil, nil, nil)
		buy := limitOrder(domain.OrderTypeBuy, "1.1")
		sell := limitOrder(domain.OrderTypeSell, "1.2")
		op, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, dec("1.5"), dec("1"))
		if err != nil {
			t.Fatalf("BuildTradeOp: %v", err)
		}
		if got, want := op.PyUSDAmount.String(), "1500000"; got != want {
			t.Errorf("pyUsdAmount = %s, want %s (explicit price)", got, want)
		}
	})

	t.Run("sell limit price next", func(t *testing.T) {
		b := newTestBuilder(newStore(), nil, nil, nil)
		buy := marketOrder(domain.OrderTypeBuy, "0xb1")
		sell := limitOrder(domain.OrderTypeSell, "1.2")
		op, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, decimal.Zero, dec("1"))
		if err != nil {
			t.Fatalf("BuildTradeOp: %v", err)
		}
		if got, want := op.PyUSDAmount.String(), "1200000"; got != want {
			t.Errorf("pyUsdAmount = %s, want %s (sell limit)", got, want)
		}
	})

	t.Run("buy limit price next", func(t *testing.T) {
		b := newTestBuilder(newStore(), nil, nil, nil)
		buy := limitOrder(domain.OrderTypeBuy, "1.1")
		sell := marketOrder(domain.OrderTypeSell, "0xs1")
		op, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, decimal.Zero, dec("1"))
		if err != nil {
			t.Fatalf("BuildTradeOp: %v", err)
		}
		if got, want := op.PyUSDAmount.String(), "1100000"; got != want {
			t.Errorf("pyUsdAmount = %s, want %s (buy limit)", got, want)
		}
	})

	t.Run("last traded price last", func(t *testing.T) {
		books := &fakeBuilderBooks{book: domain.OrderBook{LastPrice: dec("0.9")}}
		b := newTestBuilder(newStore(), books, nil, nil)
		buy := marketOrder(domain.OrderTypeBuy, "0xb1")
		sell := marketOrder(domain.OrderTypeSell, "0xs1")
		op, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, decimal.Zero, dec("1"))
		if err != nil {
			t.Fatalf("BuildTradeOp: %v", err)
		}
		if got, want := op.PyUSDAmount.String(), "900000"; got != want {
			t.Errorf("pyUsdAmount = %s, want %s (last traded)", got, want)
		}
	})

	t.Run("no price anywhere", func(t *testing.T) {
		b := newTestBuilder(newStore(), nil, nil, nil)
		buy := marketOrder(domain.OrderTypeBuy, "0xb1")
		sell := marketOrder(domain.OrderTypeSell, "0xs1")
		_, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, decimal.Zero, dec("1"))
		if !errors.Is(err, domain.ErrNoPriceAvailable) {
			t.Fatalf("err = %v, want ErrNoPriceAvailable", err)
		}
	})
}

func TestBuildTradeOp_ResyncsMissingToken(t *testing.T) {
	stale := testProposal()
	stale.ApproveTokenAddress = ""
	proposals := &fakeProposalStore{proposals: map[string]domain.Proposal{"prop-1": stale}}
	oracle := &fakeOracle{synced: testProposal()}
	b := newTestBuilder(proposals, nil, nil, oracle)

	buy := limitOrder(domain.OrderTypeBuy, "2.5")
	sell := limitOrder(domain.OrderTypeSell, "2.5")
	op, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove, buy, sell, dec("2.5"), dec("1"))
	if err != nil {
		t.Fatalf("BuildTradeOp: %v", err)
	}
	if oracle.calls != 1 {
		t.Errorf("oracle calls = %d, want 1", oracle.calls)
	}
	if op.OutcomeToken != testProposal().ApproveTokenAddress {
		t.Errorf("outcomeToken = %s after resync", op.OutcomeToken)
	}
	if len(proposals.upserted) != 1 {
		t.Errorf("resynced proposal not persisted")
	}
}

func TestBuildTradeOp_ConfigMissing(t *testing.T) {
	t.Run("unknown proposal", func(t *testing.T) {
		oracle := &fakeOracle{}
		b := newTestBuilder(&fakeProposalStore{}, nil, nil, oracle)
		_, _, err := b.BuildTradeOp(context.Background(), "prop-x", domain.SideApprove,
			limitOrder(domain.OrderTypeBuy, "1"), limitOrder(domain.OrderTypeSell, "1"), dec("1"), dec("1"))
		if !errors.Is(err, domain.ErrConfigMissing) {
			t.Fatalf("err = %v, want ErrConfigMissing", err)
		}
		if oracle.calls != 0 {
			t.Errorf("oracle called without a contract address to sync from")
		}
	})

	t.Run("resync fails", func(t *testing.T) {
		stale := testProposal()
		stale.RejectTokenAddress = ""
		proposals := &fakeProposalStore{proposals: map[string]domain.Proposal{"prop-1": stale}}
		oracle := &fakeOracle{err: errors.New("rpc down")}
		b := newTestBuilder(proposals, nil, nil, oracle)
		_, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideReject,
			limitOrder(domain.OrderTypeBuy, "1"), limitOrder(domain.OrderTypeSell, "1"), dec("1"), dec("1"))
		if !errors.Is(err, domain.ErrConfigMissing) {
			t.Fatalf("err = %v, want ErrConfigMissing", err)
		}
	})
}

func TestBuildTradeOp_TWAPSnapshot(t *testing.T) {
	proposals := &fakeProposalStore{proposals: map[string]domain.Proposal{"prop-1": testProposal()}}
	b := newTestBuilder(proposals, nil, &fakeTWAPSource{price: dec("3")}, nil)

	op, _, err := b.BuildTradeOp(context.Background(), "prop-1", domain.SideApprove,
		limitOrder(domain.OrderTypeBuy, "2.5"), limitOrder(domain.OrderTypeSell, "2.5"), dec("2.5"), dec("1"))
	if err != nil {
		t.Fatalf("BuildTradeOp: %v", err)
	}
	if got, want := op.TWAPPrice.String(), "3000000"; got != want {
		t.Errorf("twapPrice = %s, want %s", got, want)
	}
}
