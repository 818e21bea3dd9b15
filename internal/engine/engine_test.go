package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	fills  []domain.FillRecord
	seq    int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]*domain.Order)}
}

func (s *fakeOrderStore) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := o
	s.orders[o.ID] = &cp
	return nil
}

func (s *fakeOrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return *o, nil
}

func (s *fakeOrderStore) ListResting(_ context.Context, proposalID string, side domain.Side, orderType domain.OrderType) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.ProposalID == proposalID && o.Side == side && o.OrderType == orderType && o.Resting() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeOrderStore) ApplyFill(_ context.Context, id string, expectedFilled, newFilled decimal.Decimal, fill domain.Fill, status domain.OrderStatus, executedPrice *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !o.FilledAmount.Equal(expectedFilled) || newFilled.GreaterThan(o.Amount) {
		return domain.ErrOverfill
	}
	o.FilledAmount = newFilled
	o.Status = status
	o.ExecutedPrice = executedPrice
	o.Fills = append(o.Fills, fill)
	o.UpdatedAt = fill.Timestamp
	return nil
}

func (s *fakeOrderStore) Cancel(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	o.Status = domain.OrderStatusCancelled
	return *o, nil
}

func (s *fakeOrderStore) AppendFillRecord(_ context.Context, rec domain.FillRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.ID = fmt.Sprintf("fill-%d", s.seq)
	s.fills = append(s.fills, rec)
	return rec.ID, nil
}

func (s *fakeOrderStore) SetFillTxHash(_ context.Context, fillID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.fills {
		if s.fills[i].ID == fillID {
			s.fills[i].TxHash = txHash
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *fakeOrderStore) ListUnsettledFills(_ context.Context, before time.Time, limit int) ([]domain.FillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FillRecord
	for _, f := range s.fills {
		if f.TxHash == "" && f.CreatedAt.Before(before) {
			out = append(out, f)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeBookStore struct {
	mu    sync.Mutex
	books map[string]domain.OrderBook
}

func bookKey(proposalID string, side domain.Side) string { return proposalID + "/" + string(side) }

func newFakeBookStore() *fakeBookStore {
	return &fakeBookStore{books: make(map[string]domain.OrderBook)}
}

func (s *fakeBookStore) Upsert(_ context.Context, b domain.OrderBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[bookKey(b.ProposalID, b.Side)] = b
	return nil
}

func (s *fakeBookStore) Get(_ context.Context, proposalID string, side domain.Side) (domain.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookKey(proposalID, side)]
	if !ok {
		return domain.OrderBook{}, domain.ErrNotFound
	}
	return b, nil
}

type fakeHistory struct {
	mu     sync.Mutex
	points []domain.PricePoint
}

func (h *fakeHistory) Append(_ context.Context, p domain.PricePoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, p)
	return nil
}

func (h *fakeHistory) ListWindow(_ context.Context, proposalID string, side domain.Side, from, to time.Time) ([]domain.PricePoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.PricePoint
	for _, p := range h.points {
		if p.ProposalID == proposalID && p.Side == side && !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (h *fakeHistory) Latest(_ context.Context, proposalID string, side domain.Side) (domain.PricePoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var best *domain.PricePoint
	for i := range h.points {
		p := h.points[i]
		if p.ProposalID != proposalID || p.Side != side {
			continue
		}
		if best == nil || p.Timestamp.After(best.Timestamp) {
			best = &p
		}
	}
	if best == nil {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	return *best, nil
}

func (h *fakeHistory) SumVolume(ctx context.Context, proposalID string, side domain.Side, from, to time.Time) (decimal.Decimal, error) {
	points, _ := h.ListWindow(ctx, proposalID, side, from, to)
	sum := decimal.Zero
	for _, p := range points {
		sum = sum.Add(p.Volume)
	}
	return sum, nil
}

type fakeCache struct {
	mu    sync.Mutex
	books map[string]domain.OrderBook
}

func newFakeCache() *fakeCache { return &fakeCache{books: make(map[string]domain.OrderBook)} }

func (c *fakeCache) SetSnapshot(_ context.Context, b domain.OrderBook) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[bookKey(b.ProposalID, b.Side)] = b
	return nil
}

func (c *fakeCache) GetSnapshot(_ context.Context, proposalID string, side domain.Side) (domain.OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[bookKey(proposalID, side)]
	if !ok {
		return domain.OrderBook{}, domain.ErrNotFound
	}
	return b, nil
}

type fakeBus struct{}

func (fakeBus) Publish(context.Context, string, []byte) error { return nil }
func (fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

type captureBus struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func newCaptureBus() *captureBus {
	return &captureBus{events: map[string][][]byte{}}
}

func (c *captureBus) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[channel] = append(c.events[channel], payload)
	return nil
}

func (c *captureBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

// orderStatuses decodes the orders channel into order_id -> the statuses
// published for it, in order.
func (c *captureBus) orderStatuses(t *testing.T) map[string][]string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string][]string{}
	for _, payload := range c.events[ChannelOrders] {
		var evt struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.Fatalf("decode order event: %v", err)
		}
		out[evt.OrderID] = append(out[evt.OrderID], evt.Status)
	}
	return out
}

type noopTWAP struct{}

func (noopTWAP) Refresh(context.Context, string, domain.Side) error { return nil }

type captureSettler struct {
	mu   sync.Mutex
	recs []domain.FillRecord
}

func (c *captureSettler) SettleFill(_ context.Context, rec domain.FillRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

// ---------------------------------------------------------------------------

const testProposal = "prop-1"

func newTestEngine(t *testing.T) (*Engine, *fakeOrderStore, *captureSettler) {
	t.Helper()
	orders := newFakeOrderStore()
	settler := &captureSettler{}
	logger := slog.New(slog.DiscardHandler)
	eng := New(orders, newFakeBookStore(), &fakeHistory{}, newFakeCache(), fakeBus{}, noopTWAP{}, settler, metrics.New(), logger)
	return eng, orders, settler
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func submitLimit(t *testing.T, eng *Engine, orderType domain.OrderType, price, amount string) domain.Order {
	t.Helper()
	o, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   orderType,
		Execution:   domain.ExecutionLimit,
		Price:       dec(price),
		Amount:      dec(amount),
		UserAddress: "0xabc",
	})
	if err != nil {
		t.Fatalf("submit limit %s %s@%s: %v", orderType, amount, price, err)
	}
	return o
}

func TestSubmitOrder_Validation(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	cases := []SubmitRequest{
		{ProposalID: testProposal, Side: "maybe", OrderType: domain.OrderTypeBuy, Execution: domain.ExecutionLimit, Price: dec("1"), Amount: dec("1"), UserAddress: "0xabc"},
		{ProposalID: testProposal, Side: domain.SideApprove, OrderType: "hold", Execution: domain.ExecutionLimit, Price: dec("1"), Amount: dec("1"), UserAddress: "0xabc"},
		{ProposalID: testProposal, Side: domain.SideApprove, OrderType: domain.OrderTypeBuy, Execution: "stop", Price: dec("1"), Amount: dec("1"), UserAddress: "0xabc"},
		{ProposalID: testProposal, Side: domain.SideApprove, OrderType: domain.OrderTypeBuy, Execution: domain.ExecutionLimit, Amount: dec("1"), UserAddress: "0xabc"},
		{ProposalID: testProposal, Side: domain.SideApprove, OrderType: domain.OrderTypeBuy, Execution: domain.ExecutionLimit, Price: dec("1"), Amount: dec("0"), UserAddress: "0xabc"},
		{ProposalID: testProposal, Side: domain.SideApprove, OrderType: domain.OrderTypeBuy, Execution: domain.ExecutionLimit, Price: dec("1"), Amount: dec("1")},
	}
	for i, req := range cases {
		if _, err := eng.SubmitOrder(context.Background(), req); !errors.Is(err, domain.ErrInvalidOrder) {
			t.Errorf("case %d: err = %v, want ErrInvalidOrder", i, err)
		}
	}
}

func TestSubmitOrder_MarketNoLiquidity(t *testing.T) {
	eng, orders, _ := newTestEngine(t)

	_, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   domain.OrderTypeBuy,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("5"),
		UserAddress: "0xabc",
	})
	if !errors.Is(err, domain.ErrNoLiquidity) {
		t.Fatalf("err = %v, want ErrNoLiquidity", err)
	}
	if len(orders.orders) != 0 {
		t.Errorf("order was created despite NoLiquidity rejection")
	}
}

func TestMatch_MarketBuyWalksAsks(t *testing.T) {
	eng, orders, settler := newTestEngine(t)

	ask1 := submitLimit(t, eng, domain.OrderTypeSell, "1.00", "5")
	ask2 := submitLimit(t, eng, domain.OrderTypeSell, "1.10", "10")

	got, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   domain.OrderTypeBuy,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("8"),
		UserAddress: "0xbuyer",
	})
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}

	if got.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want filled", got.Status)
	}
	if !got.FilledAmount.Equal(dec("8")) {
		t.Errorf("filledAmount = %s, want 8", got.FilledAmount)
	}
	// (5×1.00 + 3×1.10)/8 = 1.0375
	if got.ExecutedPrice == nil || !got.ExecutedPrice.Equal(dec("1.0375")) {
		t.Errorf("executedPrice = %v, want 1.0375", got.ExecutedPrice)
	}
	if len(got.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(got.Fills))
	}
	if !got.Fills[0].Price.Equal(dec("1.00")) || !got.Fills[0].Amount.Equal(dec("5")) {
		t.Errorf("first fill = %s@%s, want 5@1.00", got.Fills[0].Amount, got.Fills[0].Price)
	}
	if !got.Fills[1].Price.Equal(dec("1.10")) || !got.Fills[1].Amount.Equal(dec("3")) {
		t.Errorf("second fill = %s@%s, want 3@1.10", got.Fills[1].Amount, got.Fills[1].Price)
	}

	first, _ := orders.GetByID(context.Background(), ask1.ID)
	if first.Status != domain.OrderStatusFilled || !first.Remaining().IsZero() {
		t.Errorf("first ask: status=%s remaining=%s, want filled/0", first.Status, first.Remaining())
	}
	second, _ := orders.GetByID(context.Background(), ask2.ID)
	if second.Status != domain.OrderStatusPartial || !second.Remaining().Equal(dec("7")) {
		t.Errorf("second ask: status=%s remaining=%s, want partial/7", second.Status, second.Remaining())
	}

	if len(settler.recs) != 2 {
		t.Errorf("settlement jobs = %d, want one per discrete fill pairing", len(settler.recs))
	}
}

func TestMatch_EmitsCounterpartyStatusEvents(t *testing.T) {
	orders := newFakeOrderStore()
	bus := newCaptureBus()
	eng := New(orders, newFakeBookStore(), &fakeHistory{}, newFakeCache(), bus, noopTWAP{}, &captureSettler{}, metrics.New(), slog.New(slog.DiscardHandler))

	ask1 := submitLimit(t, eng, domain.OrderTypeSell, "1.00", "5")
	ask2 := submitLimit(t, eng, domain.OrderTypeSell, "1.10", "10")

	got, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   domain.OrderTypeBuy,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("8"),
		UserAddress: "0xbuyer",
	})
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}

	statuses := bus.orderStatuses(t)
	if want := []string{"open", "filled"}; !equalStrings(statuses[ask1.ID], want) {
		t.Errorf("fully filled ask events = %v, want %v", statuses[ask1.ID], want)
	}
	if want := []string{"open", "partial"}; !equalStrings(statuses[ask2.ID], want) {
		t.Errorf("partially filled ask events = %v, want %v", statuses[ask2.ID], want)
	}
	if got := statuses[got.ID]; len(got) == 0 || got[len(got)-1] != "filled" {
		t.Errorf("incoming order events = %v, want trailing filled", got)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestMatch_MarketSellWalksBidsHighestFirst(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	submitLimit(t, eng, domain.OrderTypeBuy, "0.90", "4")
	submitLimit(t, eng, domain.OrderTypeBuy, "0.95", "4")

	got, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   domain.OrderTypeSell,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("6"),
		UserAddress: "0xseller",
	})
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if len(got.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(got.Fills))
	}
	if !got.Fills[0].Price.Equal(dec("0.95")) {
		t.Errorf("first fill price = %s, want highest bid 0.95", got.Fills[0].Price)
	}
	if !got.Fills[1].Price.Equal(dec("0.90")) || !got.Fills[1].Amount.Equal(dec("2")) {
		t.Errorf("second fill = %s@%s, want 2@0.90", got.Fills[1].Amount, got.Fills[1].Price)
	}
}

func TestMatch_PartiallyFilledMarketOrderStaysOpen(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	submitLimit(t, eng, domain.OrderTypeSell, "1.00", "3")

	got, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   domain.OrderTypeBuy,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("10"),
		UserAddress: "0xbuyer",
	})
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if got.Status != domain.OrderStatusPartial {
		t.Errorf("status = %s, want partial (no implied cancellation)", got.Status)
	}
	if !got.FilledAmount.Equal(dec("3")) {
		t.Errorf("filledAmount = %s, want 3", got.FilledAmount)
	}
}

func TestMatch_TimePriorityWithinLevel(t *testing.T) {
	eng, orders, _ := newTestEngine(t)

	first := submitLimit(t, eng, domain.OrderTypeSell, "1.00", "5")
	// Force distinct creation times in the fake store.
	time.Sleep(2 * time.Millisecond)
	second := submitLimit(t, eng, domain.OrderTypeSell, "1.00", "5")

	_, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   domain.OrderTypeBuy,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("5"),
		UserAddress: "0xbuyer",
	})
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}

	o1, _ := orders.GetByID(context.Background(), first.ID)
	o2, _ := orders.GetByID(context.Background(), second.ID)
	if o1.Status != domain.OrderStatusFilled {
		t.Errorf("first-in order at the level should fill first, got %s", o1.Status)
	}
	if o2.Status != domain.OrderStatusOpen {
		t.Errorf("second-in order should be untouched, got %s", o2.Status)
	}
}

func TestCancelOrder(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	ask := submitLimit(t, eng, domain.OrderTypeSell, "1.00", "5")
	if _, err := eng.SubmitOrder(context.Background(), SubmitRequest{
		ProposalID:  testProposal,
		Side:        domain.SideApprove,
		OrderType:   domain.OrderTypeBuy,
		Execution:   domain.ExecutionMarket,
		Amount:      dec("2"),
		UserAddress: "0xbuyer",
	}); err != nil {
		t.Fatalf("market buy: %v", err)
	}

	got, err := eng.CancelOrder(context.Background(), ask.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if !got.FilledAmount.Equal(dec("2")) {
		t.Errorf("cancel altered filledAmount: %s, want 2", got.FilledAmount)
	}
	if len(got.Fills) != 1 {
		t.Errorf("cancel reversed fills: %d, want 1", len(got.Fills))
	}
}

func TestCancelOrder_NotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if _, err := eng.CancelOrder(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentMarketOrders_NoOverfill(t *testing.T) {
	eng, orders, _ := newTestEngine(t)

	ask := submitLimit(t, eng, domain.OrderTypeSell, "1.00", "10")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = eng.SubmitOrder(context.Background(), SubmitRequest{
				ProposalID:  testProposal,
				Side:        domain.SideApprove,
				OrderType:   domain.OrderTypeBuy,
				Execution:   domain.ExecutionMarket,
				Amount:      dec("3"),
				UserAddress: "0xbuyer",
			})
		}()
	}
	wg.Wait()

	got, _ := orders.GetByID(context.Background(), ask.ID)
	if got.FilledAmount.GreaterThan(got.Amount) {
		t.Errorf("resting order overfilled: %s > %s", got.FilledAmount, got.Amount)
	}
	if got.Status != got.StatusForFill() {
		t.Errorf("status %s inconsistent with filled amount %s", got.Status, got.FilledAmount)
	}
}
