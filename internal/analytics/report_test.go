package analytics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/export"
	"github.com/rovshanmuradov/solana-trader/internal/storage/memory"
)

var now = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

func fixtures() ([]*domain.Position, []*domain.TradeRecord) {
	positions := []*domain.Position{
		{ID: "p1", OwnerID: "alice", Status: domain.PositionOpen, BuyTimestamp: now.Add(-time.Hour)},
		{ID: "p2", OwnerID: "alice", Status: domain.PositionClosed, PnL: 4, BuyTimestamp: now.Add(-48 * time.Hour)},
		{ID: "p3", OwnerID: "bob", Status: domain.PositionClosed, PnL: -1, BuyTimestamp: now.Add(-72 * time.Hour)},
		{ID: "p4", OwnerID: "bob", Status: domain.PositionClosed, PnLUnknown: true, BuyTimestamp: now.Add(-400 * 24 * time.Hour)},
	}
	trades := []*domain.TradeRecord{
		{ID: "t1", OwnerID: "alice", Kind: domain.TradeBuy, SolAmount: 1, Status: domain.TradeConfirmed, CreatedAt: now.Add(-time.Hour)},
		{ID: "t2", OwnerID: "alice", Kind: domain.TradeBuy, SolAmount: 2, Status: domain.TradeConfirmed, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "t3", OwnerID: "bob", Kind: domain.TradeBuy, SolAmount: 5, Status: domain.TradeFailed, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "t4", OwnerID: "bob", Kind: domain.TradeBuy, SolAmount: 0.5, Status: domain.TradePending, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "t5", OwnerID: "bob", Kind: domain.TradeBuy, SolAmount: 9, Status: domain.TradeConfirmed, CreatedAt: now.Add(-10 * 24 * time.Hour)},
	}
	return positions, trades
}

func TestBuild(t *testing.T) {
	positions, trades := fixtures()
	r := Build(positions, trades, now)

	assert.Equal(t, now, r.GeneratedAt)
	assert.Equal(t, 2, r.Owners)
	assert.Equal(t, 1, r.OpenPositions)
	assert.Equal(t, 3, r.ClosedPositions)
	assert.Equal(t, 1, r.ProfitablePositions)
	assert.Equal(t, 1, r.UnknownOutcome)
	assert.InDelta(t, 50.0, r.WinRate, 1e-9)
	assert.InDelta(t, 3.0, r.RealizedPnL, 1e-9)

	assert.Equal(t, 2, r.TradesLastDay)
	assert.Equal(t, 3, r.TradesLastWeek)
	assert.Equal(t, 1, r.FailedLastWeek)
	assert.InDelta(t, 1.0, r.VolumeLastDay, 1e-9)
	assert.InDelta(t, 3.0, r.VolumeLastWeek, 1e-9)
}

type positionList []*domain.Position

func (p positionList) ListAll(context.Context, string) ([]*domain.Position, error) { return p, nil }

func TestReporterRunOnce(t *testing.T) {
	positions, trades := fixtures()
	store := memory.New()
	for _, tr := range trades {
		require.NoError(t, store.InsertTrade(context.Background(), tr))
	}

	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	r := NewReporter(positionList(positions), store, export.NewTradeExporter(logger), dir, "", logger)
	r.now = func() time.Time { return now }

	_, ok := r.Latest()
	assert.False(t, ok)

	path, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var written Report
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, 3, written.ClosedPositions)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, written.TradesLastWeek, latest.TradesLastWeek)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.True(t, hasPrefix(names, "positions_"), "closed positions CSV: %v", names)
	assert.True(t, hasPrefix(names, "daily_report_"), "daily report: %v", names)
	assert.True(t, hasPrefix(names, "trades_all"), "weekly trades CSV: %v", names)
	assert.Equal(t, filepath.Dir(path), dir)
}

func TestReporterBadSchedule(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := NewReporter(positionList(nil), memory.New(), export.NewTradeExporter(logger), t.TempDir(), "not a cron", logger)
	assert.Error(t, r.Start(context.Background()))
	r.Stop(context.Background())
}

func hasPrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
