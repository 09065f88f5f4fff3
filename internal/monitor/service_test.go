package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/executor"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/oracle"
	"github.com/rovshanmuradov/solana-trader/internal/storage/memory"
	"github.com/rovshanmuradov/solana-trader/internal/wallet"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]float64)}
}

func (f *fakePrices) set(token string, price float64) {
	f.mu.Lock()
	f.prices[token] = price
	f.mu.Unlock()
}

func (f *fakePrices) GetMarketData(_ context.Context, token string) (*domain.MarketData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	price, ok := f.prices[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", oracle.ErrNoData, token)
	}
	return &domain.MarketData{TokenAddress: token, Price: price}, nil
}

func (f *fakePrices) LastKnown(token string) (domain.MarketData, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[token]
	return domain.MarketData{TokenAddress: token, Price: price}, ok
}

func (f *fakePrices) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTrader struct {
	mu        sync.Mutex
	intents   []domain.TradeIntent
	execute   func(n int, intent domain.TradeIntent) domain.SwapOutcome
	reconcile func(signature string) domain.SwapOutcome
}

func (f *fakeTrader) Execute(_ context.Context, intent domain.TradeIntent, _ executor.Signer) domain.SwapOutcome {
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	n := len(f.intents)
	fn := f.execute
	f.mu.Unlock()
	return fn(n, intent)
}

func (f *fakeTrader) Reconcile(_ context.Context, signature string) domain.SwapOutcome {
	return f.reconcile(signature)
}

func (f *fakeTrader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

type settingsFunc func(ownerID string) domain.UserSettings

func (f settingsFunc) Settings(_ context.Context, ownerID string) domain.UserSettings {
	return f(ownerID)
}

type harness struct {
	ledger   *ledger.Ledger
	prices   *fakePrices
	trader   *fakeTrader
	recorder *events.Recorder
	service  *Service
}

func newHarness(t *testing.T, settings domain.UserSettings) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rec := events.NewRecorder(0)
	l := ledger.New(memory.New(), ledger.NewMemoryLeaseStore(),
		ledger.Options{LeaseTTL: time.Second, Publisher: rec}, logger)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	keyring := wallet.NewFileKeyring()
	keyring.Add(&wallet.Wallet{OwnerID: "alice", PrivateKey: key, PublicKey: key.PublicKey()})

	h := &harness{
		ledger:   l,
		prices:   newFakePrices(),
		trader:   &fakeTrader{},
		recorder: rec,
	}
	h.service = NewService(Config{
		Interval:              10 * time.Millisecond,
		MissingPriceWarnAfter: 3,
		PriceTimeout:          time.Second,
		PendingExpiry:         time.Minute,
	}, l, h.prices, h.trader, settingsFunc(func(string) domain.UserSettings { return settings }),
		keyring, rec, nil, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.service.Shutdown(ctx)
	})
	return h
}

func (h *harness) open(t *testing.T) *domain.Position {
	t.Helper()
	p, err := h.ledger.Open(context.Background(), ledger.OpenParams{
		OwnerID:       "alice",
		TokenAddress:  "TokenA",
		Amount:        100,
		TokenDecimals: 6,
		BuyPrice:      1.0,
		Signature:     "buy-1",
	})
	require.NoError(t, err)
	return p
}

func soldAll(sig string) func(int, domain.TradeIntent) domain.SwapOutcome {
	return func(_ int, intent domain.TradeIntent) domain.SwapOutcome {
		return domain.SwapOutcome{
			Status:        domain.OutcomeSuccess,
			Signature:     sig,
			InAmount:      uint64(intent.TokenAmount * 1e6),
			OutAmount:     2_000_000_000,
			TokenDecimals: 6,
		}
	}
}

func TestTakeProfitClosesPosition(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)
	h.prices.set("TokenA", 2.0)
	h.trader.execute = soldAll("sell-1")

	require.NoError(t, h.service.Start(context.Background()))

	require.Eventually(t, func() bool {
		got, err := h.ledger.Get(context.Background(), p.ID)
		return err == nil && got.Status == domain.PositionClosed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.ledger.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got.PnLPercentage, 1e-9)
	assert.Equal(t, domain.CloseTakeProfit, got.CloseReason)
	require.NotNil(t, got.SellPrice)
	assert.Equal(t, 2.0, *got.SellPrice)

	assert.Eventually(t, func() bool { return !h.service.Watching(p.ID) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.trader.Calls())

	intent := h.trader.intents[0]
	assert.Equal(t, domain.TradeSell, intent.Kind)
	assert.Equal(t, domain.SourceMonitor, intent.Source)
	assert.Equal(t, 100.0, intent.TokenAmount)
	assert.Equal(t, p.ID, intent.OriginatingPositionID)

	executed := h.recorder.Events(events.TradeExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, "sell-1", executed[0].(events.TradeEvent).Signature)
}

func TestMissingPriceNeverTriggers(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)
	h.trader.execute = soldAll("sell-1")

	require.True(t, h.service.Watch(p))
	assert.False(t, h.service.Watch(p), "second watch is a no-op")

	require.Eventually(t, func() bool { return h.prices.Calls() >= 5 }, 2*time.Second, 10*time.Millisecond)

	got, err := h.ledger.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.Zero(t, h.trader.Calls())
	assert.True(t, h.service.Watching(p.ID))
}

func TestBusyLeaseSkipsCycle(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)
	h.prices.set("TokenA", 0.4)
	h.trader.execute = soldAll("sell-1")

	// ручная продажа держит аренду
	lease, err := h.ledger.AcquireExecutionLock(context.Background(), "alice", "TokenA")
	require.NoError(t, err)

	require.True(t, h.service.Watch(p))
	require.Eventually(t, func() bool { return h.prices.Calls() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.trader.Calls())

	require.NoError(t, lease.Release(context.Background()))

	require.Eventually(t, func() bool {
		got, err := h.ledger.Get(context.Background(), p.ID)
		return err == nil && got.Status == domain.PositionClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.trader.Calls())

	got, _ := h.ledger.Get(context.Background(), p.ID)
	assert.Equal(t, domain.CloseStopLoss, got.CloseReason)
	assert.Less(t, got.PnL, 0.0)
}

func TestUnknownOutcomeIsReconciledOnce(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)
	h.prices.set("TokenA", 2.0)

	h.trader.execute = func(int, domain.TradeIntent) domain.SwapOutcome {
		return domain.SwapOutcome{
			Status:    domain.OutcomeUnknown,
			Signature: "sell-1",
			Err:       executor.ErrConfirmationTimeout,
		}
	}
	var reconciled sync.WaitGroup
	reconciled.Add(1)
	var once sync.Once
	h.trader.reconcile = func(sig string) domain.SwapOutcome {
		once.Do(reconciled.Done)
		return domain.SwapOutcome{Status: domain.OutcomeSuccess, Signature: sig}
	}

	require.True(t, h.service.Watch(p))
	require.Eventually(t, func() bool {
		got, err := h.ledger.Get(context.Background(), p.ID)
		return err == nil && got.Status == domain.PositionClosed
	}, 2*time.Second, 10*time.Millisecond)
	reconciled.Wait()

	assert.Equal(t, 1, h.trader.Calls(), "no second submission")
	assert.Len(t, h.recorder.Events(events.TradePendingVerification), 1)
	assert.Len(t, h.recorder.Events(events.TradeExecuted), 1)

	got, _ := h.ledger.Get(context.Background(), p.ID)
	assert.Nil(t, got.PendingSell)
	assert.InDelta(t, 100.0, got.PnLPercentage, 1e-9)
}

func TestInsufficientBalanceStopsWatcher(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)
	h.prices.set("TokenA", 2.0)
	h.trader.execute = func(int, domain.TradeIntent) domain.SwapOutcome {
		return domain.SwapOutcome{
			Status: domain.OutcomeFailed,
			Err:    fmt.Errorf("%w: token account empty", executor.ErrInsufficientBalance),
		}
	}

	require.True(t, h.service.Watch(p))
	require.Eventually(t, func() bool { return !h.service.Watching(p.ID) }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.trader.Calls())
	assert.Len(t, h.recorder.Events(events.AutomationDeactivated), 1)
	assert.Len(t, h.recorder.Events(events.TradeFailed), 1)

	got, _ := h.ledger.Get(context.Background(), p.ID)
	assert.Equal(t, domain.PositionOpen, got.Status)
}

func TestFailedSellKeepsWatching(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)
	h.prices.set("TokenA", 2.0)
	h.trader.execute = func(n int, intent domain.TradeIntent) domain.SwapOutcome {
		if n < 3 {
			return domain.SwapOutcome{Status: domain.OutcomeFailed, Err: executor.ErrQuoteUnavailable}
		}
		return soldAll("sell-3")(n, intent)
	}

	require.True(t, h.service.Watch(p))
	require.Eventually(t, func() bool {
		got, err := h.ledger.Get(context.Background(), p.ID)
		return err == nil && got.Status == domain.PositionClosed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, h.trader.Calls())
	assert.Len(t, h.recorder.Events(events.TradeFailed), 2)
}

func TestPendingSellExpires(t *testing.T) {
	settings := domain.DefaultSettings("alice")
	settings.AutoSell = false
	h := newHarness(t, settings)
	p := h.open(t)
	h.prices.set("TokenA", 2.0)
	h.trader.reconcile = func(sig string) domain.SwapOutcome {
		return domain.SwapOutcome{Status: domain.OutcomeUnknown, Signature: sig, Err: executor.ErrConfirmationTimeout}
	}

	require.NoError(t, h.ledger.MarkPending(context.Background(), p.ID, domain.PendingSell{
		Signature:   "lost",
		Amount:      100,
		Price:       2,
		Reason:      domain.CloseTakeProfit,
		SubmittedAt: time.Now().Add(-5 * time.Minute),
	}))

	require.True(t, h.service.Watch(p))
	require.Eventually(t, func() bool {
		got, err := h.ledger.Get(context.Background(), p.ID)
		return err == nil && got.PendingSell == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, h.recorder.Events(events.TradeFailed), 1)
	got, _ := h.ledger.Get(context.Background(), p.ID)
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.Zero(t, h.trader.Calls(), "auto sell disabled")
}

func TestHighestPriceTracked(t *testing.T) {
	settings := domain.DefaultSettings("alice")
	settings.AutoSell = false
	h := newHarness(t, settings)
	p := h.open(t)
	h.prices.set("TokenA", 1.7)

	require.True(t, h.service.Watch(p))
	require.Eventually(t, func() bool {
		got, err := h.ledger.Get(context.Background(), p.ID)
		return err == nil && got.HighestPrice == 1.7
	}, 2*time.Second, 10*time.Millisecond)

	h.prices.set("TokenA", 1.2)
	require.Eventually(t, func() bool { return h.prices.Calls() >= 5 }, 2*time.Second, 10*time.Millisecond)

	got, _ := h.ledger.Get(context.Background(), p.ID)
	assert.Equal(t, 1.7, got.HighestPrice)
}

func TestHandleFollowsLedgerEvents(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)
	ctx := context.Background()

	require.NoError(t, h.service.Handle(ctx, events.PositionEvent{
		BaseEvent: events.NewBase(events.PositionOpened, "alice"),
		Position:  p,
	}))
	assert.True(t, h.service.Watching(p.ID))
	assert.Equal(t, 1, h.service.Count())

	require.NoError(t, h.service.Handle(ctx, events.PositionEvent{
		BaseEvent: events.NewBase(events.PositionClosed, "alice"),
		Position:  p,
	}))
	assert.False(t, h.service.Watching(p.ID))
}

func TestShutdownStopsWatchers(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings("alice"))
	p := h.open(t)

	require.True(t, h.service.Watch(p))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.service.Shutdown(ctx))

	assert.Zero(t, h.service.Count())
	assert.False(t, h.service.Watch(p), "no watchers after shutdown")
}

func TestSoldAmountFallsBackToPosition(t *testing.T) {
	p := &domain.Position{Amount: 42, TokenDecimals: 6}
	assert.Equal(t, 42.0, soldAmount(p, domain.SwapOutcome{}))
	assert.Equal(t, 1.5, soldAmount(p, domain.SwapOutcome{InAmount: 1_500_000}))
	assert.Equal(t, 1.5, soldAmount(p, domain.SwapOutcome{InAmount: 1_500, TokenDecimals: 3}))
}
