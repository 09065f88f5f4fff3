package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/storage/memory"
)

type recordingUnwatcher struct {
	ids []string
}

func (r *recordingUnwatcher) Unwatch(id string) bool {
	r.ids = append(r.ids, id)
	return true
}

func TestHousekeeperClosesStalePositions(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	l := ledger.New(memory.New(), nil, ledger.Options{}, logger)
	prices := newFakePrices()
	prices.set("Priced", 0.5)

	priced, err := l.Open(ctx, ledger.OpenParams{OwnerID: "alice", TokenAddress: "Priced", Amount: 10, BuyPrice: 1, Signature: "b1"})
	require.NoError(t, err)
	unpriced, err := l.Open(ctx, ledger.OpenParams{OwnerID: "alice", TokenAddress: "Unpriced", Amount: 10, BuyPrice: 1, Signature: "b2"})
	require.NoError(t, err)

	watchers := &recordingUnwatcher{}
	h := NewHousekeeper(l, prices, watchers, 24*time.Hour, "", logger)

	assert.Zero(t, h.RunOnce(ctx), "nothing is stale yet")

	h.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	assert.Equal(t, 2, h.RunOnce(ctx))
	assert.ElementsMatch(t, []string{priced.ID, unpriced.ID}, watchers.ids)

	got, err := l.Get(ctx, priced.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.Status)
	assert.Equal(t, domain.CloseStale, got.CloseReason)
	require.NotNil(t, got.SellPrice)
	assert.Equal(t, 0.5, *got.SellPrice)
	assert.False(t, got.PnLUnknown)
	assert.InDelta(t, -5.0, got.PnL, 1e-9)

	got, err = l.Get(ctx, unpriced.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.Status)
	assert.Nil(t, got.SellPrice)
	assert.True(t, got.PnLUnknown)
	require.NotNil(t, got.SellTimestamp)

	assert.Zero(t, h.RunOnce(ctx), "closed positions are not revisited")
}

func TestHousekeeperSkipsLeasedPosition(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	l := ledger.New(memory.New(), nil, ledger.Options{}, logger)

	p, err := l.Open(ctx, ledger.OpenParams{OwnerID: "alice", TokenAddress: "T", Amount: 1, BuyPrice: 1, Signature: "b1"})
	require.NoError(t, err)

	lease, err := l.AcquireExecutionLock(ctx, "alice", "T")
	require.NoError(t, err)
	defer lease.Release(ctx)

	h := NewHousekeeper(l, newFakePrices(), nil, time.Hour, "", logger)
	h.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	assert.Zero(t, h.RunOnce(ctx))
	got, _ := l.Get(ctx, p.ID)
	assert.True(t, got.IsActive())
}

func TestHousekeeperSchedule(t *testing.T) {
	logger := zaptest.NewLogger(t)
	l := ledger.New(memory.New(), nil, ledger.Options{}, logger)

	bad := NewHousekeeper(l, newFakePrices(), nil, 0, "not a schedule", logger)
	assert.Error(t, bad.Start(context.Background()))

	good := NewHousekeeper(l, newFakePrices(), nil, 0, "", logger)
	assert.Equal(t, 365*24*time.Hour, good.horizon)
	require.NoError(t, good.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	good.Stop(ctx)
}

func TestHousekeeperPrunesConfirmedTrades(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	l := ledger.New(store, nil, ledger.Options{}, logger)
	now := time.Now()

	for _, tr := range []*domain.TradeRecord{
		{ID: "old", OwnerID: "alice", Status: domain.TradeConfirmed, CreatedAt: now.AddDate(0, -7, 0)},
		{ID: "old-pending", OwnerID: "alice", Status: domain.TradePending, CreatedAt: now.AddDate(0, -7, 0)},
		{ID: "recent", OwnerID: "alice", Status: domain.TradeConfirmed, CreatedAt: now.AddDate(0, -1, 0)},
	} {
		require.NoError(t, store.InsertTrade(ctx, tr))
	}

	h := NewHousekeeper(l, newFakePrices(), nil, time.Hour, "", logger)
	n, err := h.PruneTrades(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retention not configured")

	h.RetainTrades(store, 180*24*time.Hour)
	n, err = h.PruneTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListTrades(ctx, "alice", time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "old-pending", left[0].ID)
	assert.Equal(t, "recent", left[1].ID)
}
