package copytrade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/executor"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/storage/memory"
	"github.com/rovshanmuradov/solana-trader/internal/trading"
)

// fakeFeed lets a test push activity into every open wallet watch.
type fakeFeed struct {
	mu       sync.Mutex
	handlers map[string]func(domain.WalletActivity)
	watches  map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]func(domain.WalletActivity)), watches: make(map[string]int)}
}

func (f *fakeFeed) Watch(ctx context.Context, wallet string, handle func(domain.WalletActivity)) error {
	f.mu.Lock()
	f.handlers[wallet] = handle
	f.watches[wallet]++
	f.mu.Unlock()

	<-ctx.Done()

	f.mu.Lock()
	delete(f.handlers, wallet)
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) emit(wallet string, a domain.WalletActivity) bool {
	f.mu.Lock()
	h, ok := f.handlers[wallet]
	f.mu.Unlock()
	if ok {
		h(a)
	}
	return ok
}

func (f *fakeFeed) watching(wallet string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[wallet]
	return ok
}

func (f *fakeFeed) watchCount(wallet string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches[wallet]
}

type fakeTrader struct {
	mu    sync.Mutex
	buys  []trading.BuyRequest
	sells []trading.SellRequest
	buy   func(req trading.BuyRequest) (trading.Result, error)
	sell  func(req trading.SellRequest) (trading.Result, error)
	// reconcile defaults to an unresolved signature
	reconcile func(signature string) domain.SwapOutcome
	checks    int
}

func (f *fakeTrader) Buy(_ context.Context, req trading.BuyRequest) (trading.Result, error) {
	f.mu.Lock()
	f.buys = append(f.buys, req)
	fn := f.buy
	f.mu.Unlock()
	if fn == nil {
		return trading.Result{Outcome: domain.SwapOutcome{Status: domain.OutcomeSuccess, Signature: "copy"}}, nil
	}
	return fn(req)
}

func (f *fakeTrader) Sell(_ context.Context, req trading.SellRequest) (trading.Result, error) {
	f.mu.Lock()
	f.sells = append(f.sells, req)
	fn := f.sell
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeTrader) Reconcile(_ context.Context, signature string) domain.SwapOutcome {
	f.mu.Lock()
	f.checks++
	fn := f.reconcile
	f.mu.Unlock()
	if fn == nil {
		return domain.SwapOutcome{Status: domain.OutcomeUnknown, Signature: signature}
	}
	return fn(signature)
}

func (f *fakeTrader) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeTrader) Buys() []trading.BuyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trading.BuyRequest(nil), f.buys...)
}

func (f *fakeTrader) Sells() []trading.SellRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trading.SellRequest(nil), f.sells...)
}

type positionsMap map[string]*domain.Position

func (p positionsMap) FindOpen(ownerID, token string) (*domain.Position, bool) {
	pos, ok := p[ownerID+"/"+token]
	return pos, ok
}

type priceMap map[string]domain.MarketData

func (p priceMap) LastKnown(token string) (domain.MarketData, bool) {
	md, ok := p[token]
	return md, ok
}

type harness struct {
	store     *memory.Store
	feed      *fakeFeed
	trader    *fakeTrader
	positions positionsMap
	prices    priceMap
	recorder  *events.Recorder
	monitor   *Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     memory.New(),
		feed:      newFakeFeed(),
		trader:    &fakeTrader{},
		positions: positionsMap{},
		prices:    priceMap{},
		recorder:  events.NewRecorder(0),
	}
	h.monitor = NewMonitor(Config{
		QueueSize:         8,
		ReconcileInterval: 5 * time.Millisecond,
		ReconcileWindow:   200 * time.Millisecond,
	}, h.store, h.feed, h.trader, h.positions, h.prices,
		h.recorder, nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.monitor.Shutdown(ctx)
	})
	return h
}

func subscription(owner, target string) domain.CopyTradeSubscription {
	return domain.CopyTradeSubscription{
		OwnerID:        owner,
		TargetWallet:   target,
		CopyRatio:      0.1,
		MaxAmount:      2,
		MinTradeAmount: domain.DefaultMinTradeAmount,
	}
}

func (h *harness) follow(t *testing.T, sub domain.CopyTradeSubscription) *domain.CopyTradeSubscription {
	t.Helper()
	out, err := h.monitor.Follow(context.Background(), sub)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.feed.watching(sub.TargetWallet) }, time.Second, time.Millisecond)
	return out
}

func buyActivity(token string, sol float64) domain.WalletActivity {
	return domain.WalletActivity{Type: domain.ActivityBuy, TokenAddress: token, SolAmount: sol, Signature: "target-" + token}
}

func TestOneFeedPerTargetWallet(t *testing.T) {
	h := newHarness(t)
	a := h.follow(t, subscription("alice", "Whale111"))
	b := h.follow(t, subscription("bob", "Whale111"))
	h.follow(t, subscription("carol", "Shark111"))

	assert.Equal(t, 2, h.monitor.WalletCount())
	assert.Equal(t, 1, h.feed.watchCount("Whale111"))

	require.True(t, h.feed.emit("Whale111", buyActivity("Tok1", 10)))
	require.Eventually(t, func() bool { return len(h.trader.Buys()) == 2 }, time.Second, time.Millisecond)

	owners := map[string]float64{}
	for _, req := range h.trader.Buys() {
		assert.Equal(t, domain.SourceCopyTrade, req.Source)
		assert.Equal(t, "Tok1", req.TokenAddress)
		owners[req.OwnerID] = req.SolAmount
	}
	assert.Equal(t, map[string]float64{"alice": 1, "bob": 1}, owners)

	require.NoError(t, h.monitor.Unfollow(context.Background(), "alice", a.ID))
	assert.True(t, h.feed.watching("Whale111"), "bob still follows")

	require.NoError(t, h.monitor.Unfollow(context.Background(), "bob", b.ID))
	require.Eventually(t, func() bool { return !h.feed.watching("Whale111") }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.monitor.WalletCount())
}

func TestCopiesKeepWalletOrder(t *testing.T) {
	h := newHarness(t)
	h.follow(t, subscription("alice", "Whale111"))

	for _, tok := range []string{"A", "B", "C"} {
		h.feed.emit("Whale111", buyActivity(tok, 1))
	}
	require.Eventually(t, func() bool { return len(h.trader.Buys()) == 3 }, time.Second, time.Millisecond)

	var order []string
	for _, req := range h.trader.Buys() {
		order = append(order, req.TokenAddress)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestUnfollowCancelsDelayedCopy(t *testing.T) {
	h := newHarness(t)
	sub := subscription("alice", "Whale111")
	sub.DelaySeconds = 1
	out := h.follow(t, sub)

	h.feed.emit("Whale111", buyActivity("Tok1", 10))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.monitor.Unfollow(context.Background(), "alice", out.ID))

	time.Sleep(1200 * time.Millisecond)
	assert.Empty(t, h.trader.Buys())

	stored, err := h.store.GetSubscription(context.Background(), out.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestStatsFollowOutcomes(t *testing.T) {
	h := newHarness(t)
	out := h.follow(t, subscription("alice", "Whale111"))

	results := []domain.OutcomeStatus{domain.OutcomeSuccess, domain.OutcomeFailed, domain.OutcomeUnknown}
	var n int
	h.trader.buy = func(trading.BuyRequest) (trading.Result, error) {
		st := results[n]
		n++
		return trading.Result{Outcome: domain.SwapOutcome{Status: st, Err: errors.New("x")}}, nil
	}

	for _, tok := range []string{"A", "B", "C"} {
		h.feed.emit("Whale111", buyActivity(tok, 1))
	}
	require.Eventually(t, func() bool {
		subs := h.monitor.Subscriptions("alice")
		return len(subs) == 1 && subs[0].Stats.TotalCopied == 3
	}, time.Second, time.Millisecond)

	stats := h.monitor.Subscriptions("alice")[0].Stats
	assert.Equal(t, 1, stats.SuccessfulCopies)

	stored, err := h.store.GetSubscription(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Stats.TotalCopied)
}

func pendingCopy(trading.BuyRequest) (trading.Result, error) {
	return trading.Result{Outcome: domain.SwapOutcome{
		Status:    domain.OutcomeUnknown,
		Signature: "copy-sig",
		Err:       executor.ErrConfirmationTimeout,
	}}, nil
}

func TestUnknownCopyCountedWhenConfirmed(t *testing.T) {
	h := newHarness(t)
	out := h.follow(t, subscription("alice", "Whale111"))
	h.trader.buy = pendingCopy
	h.trader.reconcile = func(sig string) domain.SwapOutcome {
		if h.trader.checks < 3 {
			return domain.SwapOutcome{Status: domain.OutcomeUnknown, Signature: sig}
		}
		return domain.SwapOutcome{Status: domain.OutcomeSuccess, Signature: sig}
	}

	h.feed.emit("Whale111", buyActivity("A", 1))
	require.Eventually(t, func() bool { return len(h.trader.Buys()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.monitor.Subscriptions("alice")[0].Stats.TotalCopied, "not counted before it settles")

	require.Eventually(t, func() bool {
		return h.monitor.Subscriptions("alice")[0].Stats.SuccessfulCopies == 1
	}, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, h.trader.Checks(), 3)

	stored, err := h.store.GetSubscription(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats.TotalCopied)
	assert.Equal(t, 1, stored.Stats.SuccessfulCopies)
}

func TestUnknownCopyExpiresUnconfirmed(t *testing.T) {
	h := newHarness(t)
	h.follow(t, subscription("alice", "Whale111"))
	h.trader.buy = pendingCopy

	h.feed.emit("Whale111", buyActivity("A", 1))
	require.Eventually(t, func() bool {
		return h.monitor.Subscriptions("alice")[0].Stats.TotalCopied == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.monitor.Subscriptions("alice")[0].Stats.SuccessfulCopies)
}

func TestFullQueueDropsWithEvent(t *testing.T) {
	h := newHarness(t)
	out := h.follow(t, subscription("alice", "Whale111"))
	release := make(chan struct{})
	h.trader.buy = func(trading.BuyRequest) (trading.Result, error) {
		<-release
		return trading.Result{Outcome: domain.SwapOutcome{Status: domain.OutcomeSuccess}}, nil
	}

	// первая копия блокирует обработчик, остальные упираются в очередь из 8
	for i := 0; i < 12; i++ {
		h.feed.emit("Whale111", buyActivity("Tok1", 1))
	}
	close(release)

	evs := h.recorder.Events(events.CopyTradeDropped)
	require.NotEmpty(t, evs)
	ev := evs[0].(events.CopyDroppedEvent)
	assert.Equal(t, "alice", ev.Owner())
	assert.Equal(t, out.ID, ev.SubscriptionID)
	assert.Equal(t, "Whale111", ev.TargetWallet)
	assert.Equal(t, "Tok1", ev.TokenAddress)
}

func TestBusyAndSkippedAreNotCounted(t *testing.T) {
	h := newHarness(t)
	h.follow(t, subscription("alice", "Whale111"))
	h.trader.buy = func(trading.BuyRequest) (trading.Result, error) {
		return trading.Result{}, ledger.ErrBusy
	}

	h.feed.emit("Whale111", buyActivity("A", 1))
	h.feed.emit("Whale111", domain.WalletActivity{Type: domain.ActivityTransfer, SolAmount: 5})
	require.Eventually(t, func() bool { return len(h.trader.Buys()) == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.monitor.Subscriptions("alice")[0].Stats.TotalCopied)
}

func TestInsufficientBalanceDeactivates(t *testing.T) {
	h := newHarness(t)
	out := h.follow(t, subscription("alice", "Whale111"))
	h.trader.buy = func(trading.BuyRequest) (trading.Result, error) {
		return trading.Result{Outcome: domain.SwapOutcome{
			Status: domain.OutcomeFailed,
			Err:    executor.ErrInsufficientBalance,
		}}, nil
	}

	h.feed.emit("Whale111", buyActivity("A", 1))
	require.Eventually(t, func() bool { return len(h.monitor.Subscriptions("alice")) == 0 }, time.Second, time.Millisecond)

	evs := h.recorder.Events(events.AutomationDeactivated)
	require.Len(t, evs, 1)
	ev := evs[0].(events.AutomationDeactivatedEvent)
	assert.Equal(t, "copytrade", ev.Kind)
	assert.Equal(t, out.ID, ev.EntityID)

	stored, err := h.store.GetSubscription(context.Background(), out.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, 1, stored.Stats.TotalCopied)
	require.Eventually(t, func() bool { return !h.feed.watching("Whale111") }, time.Second, time.Millisecond)
}

func TestSellMirrorsPosition(t *testing.T) {
	h := newHarness(t)
	h.positions["alice/Tok1"] = &domain.Position{ID: "pos-1", OwnerID: "alice", TokenAddress: "Tok1", Amount: 1000}
	// позиция стоит 4 SOL
	h.prices["Tok1"] = domain.MarketData{Price: 0.8, PriceNative: 0.004}
	h.trader.sell = func(req trading.SellRequest) (trading.Result, error) {
		return trading.Result{Outcome: domain.SwapOutcome{Status: domain.OutcomeSuccess}, RealizedPnL: 3}, nil
	}
	h.follow(t, subscription("alice", "Whale111"))

	h.feed.emit("Whale111", domain.WalletActivity{Type: domain.ActivitySell, TokenAddress: "Tok1", SolAmount: 10})
	h.feed.emit("Whale111", domain.WalletActivity{Type: domain.ActivitySell, TokenAddress: "Unheld", SolAmount: 10})
	require.Eventually(t, func() bool { return len(h.trader.Sells()) == 1 }, time.Second, time.Millisecond)

	req := h.trader.Sells()[0]
	assert.Equal(t, "pos-1", req.PositionID)
	assert.Equal(t, domain.CloseCopyTrade, req.Reason)
	assert.InDelta(t, 0.25, req.Fraction, 1e-9, "1 SOL of a 4 SOL position")

	require.Eventually(t, func() bool {
		return h.monitor.Subscriptions("alice")[0].Stats.TotalPnL == 3
	}, time.Second, time.Millisecond)
}

func TestStartResumesActiveSubscriptions(t *testing.T) {
	h := newHarness(t)
	active := subscription("alice", "Whale111")
	active.ID, active.IsActive = "s1", true
	inactive := subscription("bob", "Shark111")
	inactive.ID = "s2"
	require.NoError(t, h.store.SaveSubscription(context.Background(), &active))
	require.NoError(t, h.store.SaveSubscription(context.Background(), &inactive))

	require.NoError(t, h.monitor.Start(context.Background()))
	require.Eventually(t, func() bool { return h.feed.watching("Whale111") }, time.Second, time.Millisecond)
	assert.False(t, h.feed.watching("Shark111"))
	assert.Len(t, h.monitor.Subscriptions(""), 1)
}

func TestFollowValidation(t *testing.T) {
	h := newHarness(t)

	sub := subscription("alice", "Whale111")
	sub.OnlyBuys, sub.OnlySells = true, true
	_, err := h.monitor.Follow(context.Background(), sub)
	assert.Error(t, err)

	sub = subscription("alice", "Whale111")
	sub.CopyRatio = 20
	_, err = h.monitor.Follow(context.Background(), sub)
	assert.Error(t, err)

	m := NewMonitor(Config{MaxDelay: 10 * time.Second}, h.store, h.feed, h.trader, h.positions, h.prices,
		nil, nil, zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())
	sub = subscription("alice", "Whale111")
	sub.DelaySeconds = 60
	_, err = m.Follow(context.Background(), sub)
	assert.ErrorIs(t, err, ErrDelayLimit)

	err = h.monitor.Unfollow(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
