package copytrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

func trade(kind domain.ActivityType, token string, sol, tokens float64, at time.Time) domain.WalletActivity {
	return domain.WalletActivity{Type: kind, TokenAddress: token, SolAmount: sol, TokenAmount: tokens, ObservedAt: at}
}

func TestAnalyzeWallet(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	// новые первыми, как отдаёт история
	activity := []domain.WalletActivity{
		trade(domain.ActivitySell, "B", 0.5, 100, t0.Add(5*time.Hour)),
		trade(domain.ActivityBuy, "B", 1, 100, t0.Add(4*time.Hour)),
		trade(domain.ActivitySell, "A", 3, 100, t0.Add(3*time.Hour)),
		trade(domain.ActivityBuy, "A", 1, 100, t0.Add(2*time.Hour)),
		trade(domain.ActivityBuy, "A", 1, 100, t0.Add(time.Hour)),
		{Type: domain.ActivityTransfer, SolAmount: 50, ObservedAt: t0.Add(6 * time.Hour)},
		trade(domain.ActivitySell, "C", 2, 10, t0),
	}

	s := AnalyzeWallet("Whale111", activity)

	assert.Equal(t, 6, s.TotalTrades)
	assert.Equal(t, 3, s.Buys)
	assert.Equal(t, 3, s.Sells)
	assert.InDelta(t, 8.5, s.TotalVolume, 1e-9)
	assert.InDelta(t, 8.5/6, s.AvgTradeSize, 1e-9)
	assert.Equal(t, 3, s.TokensTraded)
	assert.Equal(t, t0.Add(5*time.Hour), s.LastActivity, "transfers do not count as activity")

	// A: 100 из 200 по средней 0.01 проданы за 3 SOL (+2), B: -0.5, C: вход вне окна
	perf := s.Performance
	assert.Equal(t, 2, perf.TotalTrades)
	assert.Equal(t, 1, perf.WinningTrades)
	assert.Equal(t, 1, perf.LosingTrades)
	assert.InDelta(t, 50.0, perf.WinRate, 1e-9)
	assert.InDelta(t, 1.5, perf.RealizedPnL, 1e-9)
	assert.Equal(t, 1, perf.OpenPositions, "half of A is still held")
}

func TestAnalyzeWalletEmpty(t *testing.T) {
	s := AnalyzeWallet("Whale111", nil)
	assert.Zero(t, s.TotalTrades)
	assert.Zero(t, s.AvgTradeSize)
	assert.Zero(t, s.Performance.WinRate)
	assert.True(t, s.LastActivity.IsZero())
}

type historyFunc func(ctx context.Context, wallet string, limit int) ([]domain.WalletActivity, error)

func (f historyFunc) Recent(ctx context.Context, wallet string, limit int) ([]domain.WalletActivity, error) {
	return f(ctx, wallet, limit)
}

func TestAnalyzerLoadsHistory(t *testing.T) {
	wallet := solana.NewWallet().PublicKey().String()
	var gotLimit int
	a := NewAnalyzer(historyFunc(func(_ context.Context, w string, limit int) ([]domain.WalletActivity, error) {
		assert.Equal(t, wallet, w)
		gotLimit = limit
		return []domain.WalletActivity{trade(domain.ActivityBuy, "A", 1, 10, time.Now())}, nil
	}), 0, zaptest.NewLogger(t))

	s, err := a.Analyze(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, DefaultAnalyticsDepth, gotLimit)
	assert.Equal(t, 1, s.Buys)
	assert.Equal(t, wallet, s.Wallet)

	_, err = a.Analyze(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidWallet)

	failing := NewAnalyzer(historyFunc(func(context.Context, string, int) ([]domain.WalletActivity, error) {
		return nil, errors.New("rpc down")
	}), 10, zaptest.NewLogger(t))
	_, err = failing.Analyze(context.Background(), wallet)
	assert.Error(t, err)
}
