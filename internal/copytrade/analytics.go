package copytrade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/pnl"
)

// DefaultAnalyticsDepth is how many of the wallet's latest transactions are inspected.
const DefaultAnalyticsDepth = 100

var ErrInvalidWallet = errors.New("invalid wallet address")

// WalletHistory lists a wallet's recent trades, newest first.
type WalletHistory interface {
	Recent(ctx context.Context, wallet string, limit int) ([]domain.WalletActivity, error)
}

// WalletStats describes how a wallet has been trading. SOL figures are in
// SOL; Performance counts each sell matched against earlier buys as one
// trade, valued at the wallet's average cost.
type WalletStats struct {
	Wallet       string      `json:"wallet"`
	TotalTrades  int         `json:"total_trades"`
	Buys         int         `json:"buys"`
	Sells        int         `json:"sells"`
	TotalVolume  float64     `json:"total_volume_sol"`
	AvgTradeSize float64     `json:"avg_trade_size_sol"`
	TokensTraded int         `json:"tokens_traded"`
	LastActivity time.Time   `json:"last_activity,omitempty"`
	Performance  pnl.Summary `json:"performance"`
}

// AnalyzeWallet computes trade, volume and win statistics from activity in
// any order. Transfers are ignored.
func AnalyzeWallet(wallet string, activity []domain.WalletActivity) WalletStats {
	trades := make([]domain.WalletActivity, 0, len(activity))
	for _, a := range activity {
		if a.Type == domain.ActivityBuy || a.Type == domain.ActivitySell {
			trades = append(trades, a)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ObservedAt.Before(trades[j].ObservedAt) })

	stats := WalletStats{Wallet: wallet}
	holdings := make(map[string]*domain.Position)
	var rounds []*domain.Position

	for _, a := range trades {
		stats.TotalTrades++
		stats.TotalVolume += a.SolAmount
		if a.ObservedAt.After(stats.LastActivity) {
			stats.LastActivity = a.ObservedAt
		}

		h, ok := holdings[a.TokenAddress]
		if !ok {
			h = &domain.Position{TokenAddress: a.TokenAddress, Status: domain.PositionClosed}
			holdings[a.TokenAddress] = h
		}

		switch a.Type {
		case domain.ActivityBuy:
			stats.Buys++
			if a.TokenAmount <= 0 {
				continue
			}
			// средняя цена входа в SOL за токен
			cost := h.BuyPrice*h.Amount + a.SolAmount
			h.Amount += a.TokenAmount
			h.BuyPrice = cost / h.Amount
			h.Status = domain.PositionOpen

		case domain.ActivitySell:
			stats.Sells++
			if a.TokenAmount <= 0 || h.Amount <= 0 {
				// продажа без известной покупки: вход был раньше окна
				continue
			}
			sold := min(a.TokenAmount, h.Amount)
			price := a.SolAmount / a.TokenAmount
			rounds = append(rounds, &domain.Position{
				TokenAddress: a.TokenAddress,
				Status:       domain.PositionClosed,
				Amount:       sold,
				BuyPrice:     h.BuyPrice,
				PnL:          pnl.PnL(h.BuyPrice, price, sold),
			})
			h.Amount -= sold
			if h.Amount <= 0 {
				h.Amount, h.BuyPrice = 0, 0
				h.Status = domain.PositionClosed
			}
		}
	}

	for _, h := range holdings {
		if h.IsActive() {
			rounds = append(rounds, h)
		}
	}
	stats.TokensTraded = len(holdings)
	stats.Performance = pnl.Summarize(rounds)
	if stats.TotalTrades > 0 {
		stats.AvgTradeSize = stats.TotalVolume / float64(stats.TotalTrades)
	}
	return stats
}

// Analyzer builds WalletStats from on-chain history.
type Analyzer struct {
	history WalletHistory
	depth   int
	logger  *zap.Logger
}

func NewAnalyzer(history WalletHistory, depth int, logger *zap.Logger) *Analyzer {
	if depth <= 0 {
		depth = DefaultAnalyticsDepth
	}
	return &Analyzer{history: history, depth: depth, logger: logger.Named("wallet_analytics")}
}

// Analyze inspects the wallet's latest transactions.
func (a *Analyzer) Analyze(ctx context.Context, wallet string) (WalletStats, error) {
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return WalletStats{}, fmt.Errorf("%w: %q", ErrInvalidWallet, wallet)
	}
	start := time.Now()
	activity, err := a.history.Recent(ctx, wallet, a.depth)
	if err != nil {
		return WalletStats{}, fmt.Errorf("load history of %s: %w", wallet, err)
	}
	stats := AnalyzeWallet(wallet, activity)
	a.logger.Debug("Wallet analyzed",
		zap.String("wallet", wallet),
		zap.Int("trades", stats.TotalTrades),
		zap.Float64("win_rate", stats.Performance.WinRate),
		zap.Duration("took", time.Since(start)))
	return stats, nil
}
