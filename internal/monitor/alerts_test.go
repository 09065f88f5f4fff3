package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/storage/memory"
)

func newAlertService(t *testing.T, store AlertStore, prices Pricer) (*AlertService, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder(0)
	svc := NewAlertService(store, prices, rec, nil, 10*time.Millisecond, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, rec
}

func TestAlertFiresOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prices := newFakePrices()
	prices.set("TokenA", 1.0)
	svc, rec := newAlertService(t, store, prices)

	alert, err := svc.Add(ctx, domain.PriceAlert{
		OwnerID:      "alice",
		TokenAddress: "TokenA",
		TargetPrice:  1.5,
		Condition:    domain.AlertAbove,
	})
	require.NoError(t, err)
	require.NotEmpty(t, alert.ID)

	require.Eventually(t, func() bool { return prices.Calls() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.Events(events.PriceAlertTriggered))

	prices.set("TokenA", 1.6)
	require.Eventually(t, func() bool {
		return len(rec.Events(events.PriceAlertTriggered)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls := prices.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, prices.Calls(), "task stops after firing")
	assert.Len(t, rec.Events(events.PriceAlertTriggered), 1)

	ev := rec.Events(events.PriceAlertTriggered)[0].(events.PriceAlertEvent)
	assert.Equal(t, 1.6, ev.CurrentPrice)
	assert.Equal(t, "alice", ev.Owner())

	pending, err := store.ListAlerts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAlertBelowAndCancel(t *testing.T) {
	ctx := context.Background()
	prices := newFakePrices()
	prices.set("TokenA", 2.0)
	svc, rec := newAlertService(t, memory.New(), prices)

	alert, err := svc.Add(ctx, domain.PriceAlert{OwnerID: "alice", TokenAddress: "TokenA", TargetPrice: 1, Condition: domain.AlertBelow})
	require.NoError(t, err)

	assert.True(t, svc.Cancel(alert.ID))
	assert.False(t, svc.Cancel(alert.ID))

	prices.set("TokenA", 0.5)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Events(events.PriceAlertTriggered))
}

func TestAlertValidation(t *testing.T) {
	svc, _ := newAlertService(t, memory.New(), newFakePrices())
	ctx := context.Background()

	_, err := svc.Add(ctx, domain.PriceAlert{OwnerID: "alice", TokenAddress: "T", TargetPrice: 0, Condition: domain.AlertAbove})
	assert.Error(t, err)
	_, err = svc.Add(ctx, domain.PriceAlert{OwnerID: "alice", TokenAddress: "T", TargetPrice: 1, Condition: "sideways"})
	assert.Error(t, err)
	_, err = svc.Add(ctx, domain.PriceAlert{TokenAddress: "T", TargetPrice: 1, Condition: domain.AlertAbove})
	assert.Error(t, err)
}

func TestAlertServiceResumesPendingAlerts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveAlert(ctx, &domain.PriceAlert{
		ID: "a1", OwnerID: "alice", TokenAddress: "TokenA", TargetPrice: 1, Condition: domain.AlertAbove,
	}))
	require.NoError(t, store.SaveAlert(ctx, &domain.PriceAlert{
		ID: "a2", OwnerID: "alice", TokenAddress: "TokenA", TargetPrice: 1, Condition: domain.AlertAbove, Triggered: true,
	}))

	prices := newFakePrices()
	prices.set("TokenA", 3)
	svc, rec := newAlertService(t, store, prices)
	require.NoError(t, svc.Start(ctx))

	require.Eventually(t, func() bool {
		return len(rec.Events(events.PriceAlertTriggered)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ev := rec.Events(events.PriceAlertTriggered)[0].(events.PriceAlertEvent)
	assert.Equal(t, "a1", ev.Alert.ID)
}
