package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
)

func TestStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, store.Migrate(ctx))
	})

	t.Run("position round trip", func(t *testing.T) {
		p := &domain.Position{
			ID:              "pos-1",
			OwnerID:         "alice",
			TokenAddress:    "TokenA",
			Amount:          1000,
			InitialAmount:   1000,
			TokenDecimals:   6,
			BuyPrice:        0.002,
			BuyTimestamp:    now,
			BuySignature:    "buy-sig-1",
			Status:          domain.PositionOpen,
			TakeProfitPrice: ptr(0.004),
			UpdatedAt:       now,
		}
		require.NoError(t, store.InsertPosition(ctx, p))

		dup := p.Clone()
		dup.ID = "pos-dup"
		assert.ErrorIs(t, store.InsertPosition(ctx, dup), storage.ErrDuplicateKey)

		got, err := store.GetPosition(ctx, "pos-1")
		require.NoError(t, err)
		assert.Equal(t, uint8(6), got.TokenDecimals)
		require.NotNil(t, got.TakeProfitPrice)
		assert.InDelta(t, 0.004, *got.TakeProfitPrice, 1e-12)
		assert.Nil(t, got.StopLossPrice)
		assert.Nil(t, got.PendingSell)

		bySig, err := store.GetPositionByBuySignature(ctx, "buy-sig-1")
		require.NoError(t, err)
		assert.Equal(t, "pos-1", bySig.ID)

		got.PendingSell = &domain.PendingSell{
			Signature:   "sell-sig-pending",
			Amount:      500,
			Price:       0.003,
			Reason:      domain.CloseTakeProfit,
			SubmittedAt: now,
		}
		got.HighestPrice = 0.0031
		require.NoError(t, store.UpdatePosition(ctx, got))

		reloaded, err := store.GetPosition(ctx, "pos-1")
		require.NoError(t, err)
		require.NotNil(t, reloaded.PendingSell)
		assert.Equal(t, "sell-sig-pending", reloaded.PendingSell.Signature)
		assert.InDelta(t, 0.0031, reloaded.HighestPrice, 1e-12)

		_, err = store.GetPosition(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("record sell is unique per signature", func(t *testing.T) {
		p, err := store.GetPosition(ctx, "pos-1")
		require.NoError(t, err)

		p.Amount = 0
		p.Status = domain.PositionClosed
		p.SellPrice = ptr(0.004)
		p.SellTimestamp = &now
		p.CloseReason = domain.CloseTakeProfit
		p.PendingSell = nil
		rec := &domain.SellRecord{Signature: "sell-sig-1", PositionID: p.ID, Price: 0.004, Amount: 1000, Timestamp: now}
		require.NoError(t, store.RecordSell(ctx, rec, p))

		replay := p.Clone()
		replay.PnL = 999
		assert.ErrorIs(t, store.RecordSell(ctx, rec, replay), storage.ErrDuplicateKey)

		got, err := store.GetPosition(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionClosed, got.Status)
		assert.Zero(t, got.PnL)

		sell, err := store.GetSellRecord(ctx, "sell-sig-1")
		require.NoError(t, err)
		assert.Equal(t, p.ID, sell.PositionID)
	})

	t.Run("list positions filters", func(t *testing.T) {
		require.NoError(t, store.InsertPosition(ctx, &domain.Position{
			ID: "pos-2", OwnerID: "alice", TokenAddress: "TokenB", Amount: 10, InitialAmount: 10,
			BuyPrice: 1, BuyTimestamp: now.Add(-48 * time.Hour), Status: domain.PositionOpen, UpdatedAt: now,
		}))
		require.NoError(t, store.InsertPosition(ctx, &domain.Position{
			ID: "pos-3", OwnerID: "bob", TokenAddress: "TokenB", Amount: 10, InitialAmount: 10,
			BuyPrice: 1, BuyTimestamp: now, Status: domain.PositionPartial, UpdatedAt: now,
		}))

		open, err := store.ListPositions(ctx, storage.PositionFilter{
			Statuses: []domain.PositionStatus{domain.PositionOpen, domain.PositionPartial},
		})
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "pos-2", open[0].ID)

		old, err := store.ListPositions(ctx, storage.PositionFilter{OwnerID: "alice", OpenedBefore: now.Add(-time.Hour)})
		require.NoError(t, err)
		require.Len(t, old, 1)
		assert.Equal(t, "pos-2", old[0].ID)
	})

	t.Run("trades", func(t *testing.T) {
		tr := &domain.TradeRecord{
			ID: "trade-1", OwnerID: "alice", Kind: domain.TradeBuy, Source: domain.SourceManual,
			TokenAddress: "TokenA", SolAmount: 0.1, Status: domain.TradePending, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, store.InsertTrade(ctx, tr))
		tr.Status = domain.TradeConfirmed
		tr.Signature = "sig"
		require.NoError(t, store.UpdateTrade(ctx, tr))

		trades, err := store.ListTrades(ctx, "alice", now.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.Equal(t, domain.TradeConfirmed, trades[0].Status)

		stale := &domain.TradeRecord{
			ID: "trade-0", OwnerID: "alice", Kind: domain.TradeBuy, Source: domain.SourceManual,
			TokenAddress: "TokenA", Status: domain.TradeConfirmed,
			CreatedAt: now.AddDate(0, -7, 0), UpdatedAt: now.AddDate(0, -7, 0),
		}
		require.NoError(t, store.InsertTrade(ctx, stale))
		n, err := store.DeleteTradesBefore(ctx, now.AddDate(0, -6, 0), domain.TradeConfirmed)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		all, err := store.ListTrades(ctx, "alice", time.Time{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "trade-1", all[0].ID)
	})

	t.Run("automations and settings", func(t *testing.T) {
		sub := &domain.CopyTradeSubscription{
			ID: "sub-1", OwnerID: "alice", TargetWallet: "Target", CopyRatio: 1, MaxAmount: 1,
			DelaySeconds: 5, IsActive: true, CreatedAt: now,
		}
		require.NoError(t, store.SaveSubscription(ctx, sub))
		sub.Stats.TotalCopied = 3
		sub.IsActive = false
		require.NoError(t, store.SaveSubscription(ctx, sub))

		got, err := store.GetSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.Stats.TotalCopied)
		active, err := store.ListSubscriptions(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, active)

		c := domain.NewSnipeCriteria("alice", 0.5)
		c.ID = "crit-1"
		c.Blacklist = domain.SetList([]string{"Bad1", "Bad2"})
		require.NoError(t, store.SaveCriteria(ctx, &c))
		crits, err := store.ListCriteria(ctx, true)
		require.NoError(t, err)
		require.Len(t, crits, 1)
		assert.Len(t, crits[0].Blacklist, 2)
		assert.Contains(t, crits[0].Blacklist, "Bad1")
		assert.Empty(t, crits[0].Whitelist)

		alert := &domain.PriceAlert{ID: "alert-1", OwnerID: "alice", TokenAddress: "TokenA",
			TargetPrice: 2, Condition: domain.AlertAbove, CreatedAt: now}
		require.NoError(t, store.SaveAlert(ctx, alert))
		alert.Triggered = true
		require.NoError(t, store.SaveAlert(ctx, alert))
		pending, err := store.ListAlerts(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, pending)

		_, err = store.GetSettings(ctx, "alice")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		st := domain.DefaultSettings("alice")
		st.TrailingStopPct = 15
		require.NoError(t, store.SaveSettings(ctx, &st))
		loaded, err := store.GetSettings(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, st, *loaded)
	})
}
