package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/model"
	"github.com/papertrade/engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEngine creates an engine over a fresh memory store with one user
// holding the given balance.
func newTestEngine(t *testing.T, balance float64) (*ledger.Engine, *store.MemoryStore, string) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := ledger.NewEngine(ms, d(10000))
	return eng, ms, seedUser(t, ms, "user1", balance)
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) string {
	t.Helper()
	now := time.Now().UTC()
	u := &model.User{ID: id, Username: id, Balance: d(balance), CreatedAt: now, UpdatedAt: now}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return id
}

func buy(t *testing.T, eng *ledger.Engine, user, market string, outcome model.Outcome, amount, price float64) *ledger.BuyResult {
	t.Helper()
	res, err := eng.Buy(context.Background(), ledger.BuyRequest{
		UserID:   user,
		MarketID: market,
		Outcome:  outcome,
		Amount:   d(amount),
		Price:    d(price),
		Event:    model.EventMeta{EventID: "event-" + market, Question: "Will it rain?"},
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	return res
}

func sell(t *testing.T, eng *ledger.Engine, user, market string, outcome model.Outcome, shares, price float64) *ledger.SellResult {
	t.Helper()
	res, err := eng.Sell(context.Background(), ledger.SellRequest{
		UserID:   user,
		MarketID: market,
		Outcome:  outcome,
		Shares:   d(shares),
		Price:    d(price),
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	return res
}

func balanceOf(t *testing.T, ms *store.MemoryStore, id string) *model.User {
	t.Helper()
	u, err := ms.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u
}

// --- Buy ---

func TestBuy_NewPosition(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)

	res := buy(t, eng, user, "m1", model.OutcomeYes, 100, 0.25)

	p := res.Position
	if !p.Shares.Equal(d(400)) {
		t.Errorf("expected 400 shares, got %s", p.Shares)
	}
	if !p.AveragePrice.Equal(d(0.25)) {
		t.Errorf("expected average price 0.25, got %s", p.AveragePrice)
	}
	if !p.InvestedAmount.Equal(d(100)) {
		t.Errorf("expected invested 100, got %s", p.InvestedAmount)
	}
	if p.Status != model.StatusOpen {
		t.Errorf("expected open, got %s", p.Status)
	}
	if p.EventID != "event-m1" {
		t.Errorf("expected event id to be carried, got %q", p.EventID)
	}
	if !res.NewBalance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", res.NewBalance)
	}

	u := balanceOf(t, ms, user)
	if !u.PortfolioValue.Equal(d(100)) {
		t.Errorf("expected portfolio value 100, got %s", u.PortfolioValue)
	}
	if res.Trade.Type != model.TradeBuy || !res.Trade.Total.Equal(d(100)) || !res.Trade.Shares.Equal(d(400)) {
		t.Errorf("unexpected trade record: %+v", res.Trade)
	}
}

func TestBuy_WeightedAverage(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)

	n1, p1 := d(100), d(0.25)
	n2, p2 := d(60), d(0.40)
	buy(t, eng, user, "m1", model.OutcomeYes, 100, 0.25)
	res := buy(t, eng, user, "m1", model.OutcomeYes, 60, 0.40)

	want := n1.Add(n2).Div(n1.Div(p1).Add(n2.Div(p2)))
	if !res.Position.AveragePrice.Equal(want) {
		t.Errorf("expected average %s, got %s", want, res.Position.AveragePrice)
	}
	if !res.Position.Shares.Equal(d(550)) {
		t.Errorf("expected 400+150 shares, got %s", res.Position.Shares)
	}
	if !res.Position.CurrentPrice.Equal(d(0.40)) {
		t.Errorf("current price should be the latest fill, got %s", res.Position.CurrentPrice)
	}

	open, _ := ms.ListPositions(context.Background(), user, model.StatusOpen)
	if len(open) != 1 {
		t.Fatalf("repeated buys must merge, got %d open positions", len(open))
	}
}

func TestBuy_OutcomesAreSeparatePositions(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)

	buy(t, eng, user, "m1", model.OutcomeYes, 50, 0.5)
	buy(t, eng, user, "m1", model.OutcomeNo, 50, 0.5)

	open, _ := ms.ListPositions(context.Background(), user, model.StatusOpen)
	if len(open) != 2 {
		t.Errorf("expected one position per outcome, got %d", len(open))
	}
}

func TestBuy_InsufficientBalance(t *testing.T) {
	eng, ms, user := newTestEngine(t, 50)

	_, err := eng.Buy(context.Background(), ledger.BuyRequest{
		UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(50.01), Price: d(0.5),
	})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	u := balanceOf(t, ms, user)
	if !u.Balance.Equal(d(50)) || !u.PortfolioValue.IsZero() {
		t.Errorf("rejected buy must not mutate the account: %+v", u)
	}
	if n, _ := ms.CountTrades(context.Background(), user); n != 0 {
		t.Errorf("rejected buy must not record a trade, got %d", n)
	}
}

func TestBuy_InvalidInput(t *testing.T) {
	eng, _, user := newTestEngine(t, 1000)

	cases := map[string]ledger.BuyRequest{
		"zero amount":   {UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(0), Price: d(0.5)},
		"price zero":    {UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(10), Price: d(0)},
		"price one":     {UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(10), Price: d(1)},
		"missing mkt":   {UserID: user, Outcome: model.OutcomeYes, Amount: d(10), Price: d(0.5)},
		"bad outcome":   {UserID: user, MarketID: "m1", Outcome: "Maybe", Amount: d(10), Price: d(0.5)},
		"missing user":  {MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(10), Price: d(0.5)},
		"negative amnt": {UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(-5), Price: d(0.5)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := eng.Buy(context.Background(), req)
			if !errors.Is(err, model.ErrInvalidInput) {
				t.Errorf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestBuy_UnknownUser(t *testing.T) {
	eng, _, _ := newTestEngine(t, 1000)

	_, err := eng.Buy(context.Background(), ledger.BuyRequest{
		UserID: "ghost", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(10), Price: d(0.5),
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestBuy_LowercaseOutcomeNormalized(t *testing.T) {
	eng, _, user := newTestEngine(t, 1000)

	res, err := eng.Buy(context.Background(), ledger.BuyRequest{
		UserID: user, MarketID: "m1", Outcome: "yes", Amount: d(10), Price: d(0.5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Position.Outcome != model.OutcomeYes {
		t.Errorf("expected Yes, got %s", res.Position.Outcome)
	}
	if res.Position.EventID != "m1" {
		t.Errorf("event id should default to market id, got %q", res.Position.EventID)
	}
}

func TestBuy_ResolvedEventRejected(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)
	ms.RecordResolution(context.Background(), &model.Resolution{
		EventID: "event-m1", WinningOutcome: model.OutcomeNo, ResolvedAt: time.Now(),
	})

	_, err := eng.Buy(context.Background(), ledger.BuyRequest{
		UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(10), Price: d(0.5),
		Event: model.EventMeta{EventID: "event-m1"},
	})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected invalid input for a resolved event, got %v", err)
	}
}

// --- Sell ---

func TestSell_FullLiquidationCloses(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)
	buy(t, eng, user, "m1", model.OutcomeYes, 100, 0.25)

	res := sell(t, eng, user, "m1", model.OutcomeYes, 400, 0.30)

	if !res.Trade.Total.Equal(d(120)) {
		t.Errorf("expected sale value 120, got %s", res.Trade.Total)
	}
	if !res.RealizedPnL.Equal(d(20)) {
		t.Errorf("expected realized 20, got %s", res.RealizedPnL)
	}
	p := res.Position
	if p.Status != model.StatusClosed || !p.Shares.IsZero() || !p.InvestedAmount.IsZero() {
		t.Errorf("expected closed with zero shares and invested, got %+v", p)
	}
	if p.ClosedAt == nil {
		t.Error("closed position should carry closed_at")
	}
	if !p.ProfitLoss.Equal(d(20)) {
		t.Errorf("expected profit_loss 20, got %s", p.ProfitLoss)
	}

	u := balanceOf(t, ms, user)
	if !u.Balance.Equal(d(1020)) {
		t.Errorf("expected balance 1020, got %s", u.Balance)
	}
	if !u.PortfolioValue.IsZero() {
		t.Errorf("expected portfolio value 0, got %s", u.PortfolioValue)
	}
}

func TestSell_Partial(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)
	buy(t, eng, user, "m1", model.OutcomeNo, 100, 0.25)

	res := sell(t, eng, user, "m1", model.OutcomeNo, 100, 0.20)

	if !res.RealizedPnL.Equal(d(-5)) {
		t.Errorf("expected realized -5, got %s", res.RealizedPnL)
	}
	p := res.Position
	if p.Status != model.StatusOpen || !p.Shares.Equal(d(300)) || !p.InvestedAmount.Equal(d(75)) {
		t.Errorf("unexpected position after partial sell: %+v", p)
	}
	if !p.CurrentPrice.Equal(d(0.20)) {
		t.Errorf("current price should be the sell price, got %s", p.CurrentPrice)
	}
	if u := balanceOf(t, ms, user); !u.PortfolioValue.Equal(d(75)) {
		t.Errorf("expected portfolio value 75, got %s", u.PortfolioValue)
	}
}

func TestSell_ClampsToHeldShares(t *testing.T) {
	eng, _, user := newTestEngine(t, 1000)
	buy(t, eng, user, "m1", model.OutcomeYes, 40, 0.40)

	res := sell(t, eng, user, "m1", model.OutcomeYes, 1_000_000, 0.50)

	if !res.Trade.Shares.Equal(d(100)) {
		t.Errorf("expected clamp to 100 shares, got %s", res.Trade.Shares)
	}
	if res.Position.Status != model.StatusClosed {
		t.Errorf("expected closed, got %s", res.Position.Status)
	}
}

func TestSell_NoOpenPosition(t *testing.T) {
	eng, _, user := newTestEngine(t, 1000)

	_, err := eng.Sell(context.Background(), ledger.SellRequest{
		UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Shares: d(1), Price: d(0.5),
	})
	if !errors.Is(err, model.ErrNoOpenPosition) {
		t.Errorf("expected no open position, got %v", err)
	}
}

func TestSell_AfterCloseThenBuyOpensFreshPosition(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)
	first := buy(t, eng, user, "m1", model.OutcomeYes, 50, 0.5)
	sell(t, eng, user, "m1", model.OutcomeYes, 100, 0.5)

	second := buy(t, eng, user, "m1", model.OutcomeYes, 30, 0.6)

	if second.Position.ID == first.Position.ID {
		t.Error("a closed position must not be reopened")
	}
	all, _ := ms.ListPositions(context.Background(), user, "")
	if len(all) != 2 {
		t.Errorf("expected closed + new open position, got %d", len(all))
	}
}

// --- Conservation ---

func TestConservation_BuySellSequence(t *testing.T) {
	eng, ms, user := newTestEngine(t, 5000)
	start := d(5000)

	spent := decimal.Zero
	received := decimal.Zero

	for _, b := range []struct {
		market  string
		outcome model.Outcome
		amount  float64
		price   float64
	}{
		{"m1", model.OutcomeYes, 120, 0.33},
		{"m1", model.OutcomeYes, 75.5, 0.41},
		{"m2", model.OutcomeNo, 300, 0.77},
		{"m1", model.OutcomeNo, 10, 0.59},
	} {
		buy(t, eng, user, b.market, b.outcome, b.amount, b.price)
		spent = spent.Add(d(b.amount))
	}

	received = received.Add(sell(t, eng, user, "m1", model.OutcomeYes, 200, 0.45).Trade.Total)
	received = received.Add(sell(t, eng, user, "m2", model.OutcomeNo, 1e9, 0.70).Trade.Total)
	received = received.Add(sell(t, eng, user, "m1", model.OutcomeYes, 17.25, 0.12).Trade.Total)

	want := start.Sub(spent).Add(received)
	if got := balanceOf(t, ms, user).Balance; !got.Equal(want) {
		t.Errorf("conservation violated: want %s, got %s", want, got)
	}
}

// --- Balance adjustments ---

func TestAdjustBalance_DepositWithdraw(t *testing.T) {
	eng, _, user := newTestEngine(t, 100)
	ctx := context.Background()

	res, err := eng.AdjustBalance(ctx, ledger.BalanceRequest{UserID: user, Action: ledger.ActionDeposit, Amount: d(50)})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !res.User.Balance.Equal(d(150)) {
		t.Errorf("expected 150, got %s", res.User.Balance)
	}

	_, err = eng.AdjustBalance(ctx, ledger.BalanceRequest{UserID: user, Action: ledger.ActionWithdraw, Amount: d(151)})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("expected insufficient balance, got %v", err)
	}

	res, err = eng.AdjustBalance(ctx, ledger.BalanceRequest{UserID: user, Action: "WITHDRAW", Amount: d(150)})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.User.Balance.IsZero() {
		t.Errorf("expected 0, got %s", res.User.Balance)
	}
}

func TestAdjustBalance_ResetClosesOpenPositions(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)
	buy(t, eng, user, "m1", model.OutcomeYes, 100, 0.25)
	buy(t, eng, user, "m2", model.OutcomeNo, 200, 0.5)

	res, err := eng.AdjustBalance(context.Background(), ledger.BalanceRequest{UserID: user, Action: ledger.ActionReset})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.ClosedPositions != 2 {
		t.Errorf("expected 2 closed positions, got %d", res.ClosedPositions)
	}
	if !res.User.Balance.Equal(d(10000)) || !res.User.PortfolioValue.IsZero() {
		t.Errorf("expected baseline balance and zero portfolio value, got %+v", res.User)
	}
	open, _ := ms.ListPositions(context.Background(), user, model.StatusOpen)
	if len(open) != 0 {
		t.Errorf("expected no open positions after reset, got %d", len(open))
	}
}

func TestAdjustBalance_InvalidAction(t *testing.T) {
	eng, _, user := newTestEngine(t, 1000)

	_, err := eng.AdjustBalance(context.Background(), ledger.BalanceRequest{UserID: user, Action: "borrow", Amount: d(1)})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestCreateUser_StartsAtBaseline(t *testing.T) {
	eng, ms, _ := newTestEngine(t, 0)

	u, err := eng.CreateUser(context.Background(), ledger.CreateUserRequest{Username: "  alice "})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Username != "alice" || !u.Balance.Equal(d(10000)) {
		t.Errorf("unexpected user: %+v", u)
	}
	if _, err := ms.GetUser(context.Background(), u.ID); err != nil {
		t.Errorf("user not persisted: %v", err)
	}
}

// --- Concurrency ---

// conflictStore fails the first n commits with a version conflict.
type conflictStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	remaining int
}

func (s *conflictStore) Commit(ctx context.Context, m *store.Mutation) error {
	s.mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return store.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Commit(ctx, m)
}

func TestBuy_RetriesOnVersionConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	user := seedUser(t, ms, "user1", 1000)
	eng := ledger.NewEngine(&conflictStore{MemoryStore: ms, remaining: 2}, d(10000))

	res := buy(t, eng, user, "m1", model.OutcomeYes, 100, 0.5)

	if !res.NewBalance.Equal(d(900)) {
		t.Errorf("expected a single debit after retries, got balance %s", res.NewBalance)
	}
	if n, _ := ms.CountTrades(context.Background(), user); n != 1 {
		t.Errorf("expected exactly one trade, got %d", n)
	}
}

func TestBuy_GivesUpAfterPersistentConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	user := seedUser(t, ms, "user1", 1000)
	eng := ledger.NewEngine(&conflictStore{MemoryStore: ms, remaining: 100}, d(10000))

	_, err := eng.Buy(context.Background(), ledger.BuyRequest{
		UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(10), Price: d(0.5),
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
	if u := balanceOf(t, ms, user); !u.Balance.Equal(d(1000)) {
		t.Errorf("balance must be untouched, got %s", u.Balance)
	}
}

func TestBuy_ConcurrentSameUser(t *testing.T) {
	eng, ms, user := newTestEngine(t, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Buy(context.Background(), ledger.BuyRequest{
				UserID: user, MarketID: "m1", Outcome: model.OutcomeYes, Amount: d(10), Price: d(0.5),
			})
		}()
	}
	wg.Wait()

	u := balanceOf(t, ms, user)
	if !u.Balance.Equal(d(800)) {
		t.Errorf("expected balance 800 after 20 concurrent buys, got %s", u.Balance)
	}
	open, _ := ms.ListPositions(context.Background(), user, model.StatusOpen)
	if len(open) != 1 || !open[0].Shares.Equal(d(400)) {
		t.Errorf("expected one open position with 400 shares, got %+v", open)
	}
}
