// Package pnl holds the pure profit/loss arithmetic shared by the monitors,
// the ledger and reporting. Nothing here performs I/O.
package pnl

import (
	"math"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// Result describes a position valued at a given price.
type Result struct {
	InitialValue float64 `json:"initial_value"`
	CurrentValue float64 `json:"current_value"`
	PnL          float64 `json:"pnl"`
	PnLPct       float64 `json:"pnl_pct"`
	IsProfit     bool    `json:"is_profit"`
}

// PnL is (currentPrice - buyPrice) * amount.
func PnL(buyPrice, currentPrice, amount float64) float64 {
	return (currentPrice - buyPrice) * amount
}

// PnLPct is pnl relative to the cost basis, in percent. Zero cost basis yields 0.
func PnLPct(buyPrice, currentPrice, amount float64) float64 {
	basis := buyPrice * amount
	if basis == 0 {
		return 0
	}
	return PnL(buyPrice, currentPrice, amount) / basis * 100
}

// PriceChangePct is the move from entry to current price in percent.
func PriceChangePct(buyPrice, currentPrice float64) float64 {
	if buyPrice == 0 {
		return 0
	}
	return (currentPrice - buyPrice) / buyPrice * 100
}

// Position values amount tokens bought at entry and marked at current.
func Position(entry, current, amount float64) Result {
	r := Result{
		InitialValue: entry * amount,
		CurrentValue: current * amount,
		PnL:          PnL(entry, current, amount),
		PnLPct:       PnLPct(entry, current, amount),
	}
	r.IsProfit = r.PnL > 0
	return r
}

// WinRate is winning/total*100 and 0 when there are no trades.
func WinRate(winning, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(winning) / float64(total) * 100
}

// PriceImpact compares an executed output against the output implied by price.
// It never goes below zero.
func PriceImpact(inputAmount, outputAmount, price float64) float64 {
	expected := inputAmount * price
	if expected <= 0 {
		return 0
	}
	return math.Max(0, (expected-outputAmount)/expected*100)
}

// TrailingStop is the stop level trailingPct below the highest observed price.
func TrailingStop(highest, trailingPct float64) float64 {
	return highest - highest*(trailingPct/100)
}

// SlippageAmount is amount inflated by slippagePct.
func SlippageAmount(amount, slippagePct float64) float64 {
	return amount * (1 + slippagePct/100)
}

// Summary aggregates a set of positions.
type Summary struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	RealizedPnL    float64 `json:"realized_pnl"`
	AvgWinPnL      float64 `json:"avg_win_pnl"`
	AvgLossPnL     float64 `json:"avg_loss_pnl"`
	OpenPositions  int     `json:"open_positions"`
	UnknownOutcome int     `json:"unknown_outcome"`
}

// Summarize counts closed positions with a known PnL as trades.
// Positions closed without a price are reported in UnknownOutcome only.
func Summarize(positions []*domain.Position) Summary {
	var (
		s         Summary
		totalWin  float64
		totalLoss float64
	)
	for _, p := range positions {
		if p.IsActive() {
			s.OpenPositions++
			continue
		}
		if p.PnLUnknown {
			s.UnknownOutcome++
			continue
		}
		s.TotalTrades++
		s.RealizedPnL += p.PnL
		switch {
		case p.PnL > 0:
			s.WinningTrades++
			totalWin += p.PnL
		case p.PnL < 0:
			s.LosingTrades++
			totalLoss += p.PnL
		}
	}
	s.WinRate = WinRate(s.WinningTrades, s.TotalTrades)
	if s.WinningTrades > 0 {
		s.AvgWinPnL = totalWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AvgLossPnL = totalLoss / float64(s.LosingTrades)
	}
	return s
}
