package monitor

import (
	"math"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/pnl"
)

// Trigger is the exit condition that fired for a position.
type Trigger string

const (
	TriggerNone         Trigger = ""
	TriggerTakeProfit   Trigger = "take_profit"
	TriggerStopLoss     Trigger = "stop_loss"
	TriggerTrailingStop Trigger = "trailing_stop"
)

// Decision is the result of evaluating one price sample against a position.
type Decision struct {
	Trigger   Trigger
	Price     float64
	ChangePct float64
	// Level is the threshold price that was crossed.
	Level float64
}

// Fired reports whether any exit condition triggered.
func (d Decision) Fired() bool {
	return d.Trigger != TriggerNone
}

// Reason maps the trigger to the close reason recorded on the position.
func (d Decision) Reason() domain.CloseReason {
	switch d.Trigger {
	case TriggerTakeProfit:
		return domain.CloseTakeProfit
	case TriggerStopLoss:
		return domain.CloseStopLoss
	case TriggerTrailingStop:
		return domain.CloseTrailingStop
	}
	return ""
}

// Evaluate checks take-profit, stop-loss and trailing stop against a single
// price sample, in that order. Absolute price levels on the position fire
// alongside the percentage thresholds from settings. A position-level
// trailing percentage overrides the one in settings.
func Evaluate(p *domain.Position, s domain.UserSettings, price float64) Decision {
	d := Decision{Price: price}
	if p == nil || price <= 0 || p.BuyPrice <= 0 {
		return d
	}
	d.ChangePct = pnl.PriceChangePct(p.BuyPrice, price)

	tpLevel := p.BuyPrice * (1 + s.TakeProfitPct/100)
	if s.TakeProfitPct > 0 && d.ChangePct >= s.TakeProfitPct {
		d.Trigger, d.Level = TriggerTakeProfit, tpLevel
		return d
	}
	if p.TakeProfitPrice != nil && *p.TakeProfitPrice > 0 && price >= *p.TakeProfitPrice {
		d.Trigger, d.Level = TriggerTakeProfit, *p.TakeProfitPrice
		return d
	}

	slLevel := p.BuyPrice * (1 - s.StopLossPct/100)
	if s.StopLossPct > 0 && d.ChangePct <= -s.StopLossPct {
		d.Trigger, d.Level = TriggerStopLoss, slLevel
		return d
	}
	if p.StopLossPrice != nil && *p.StopLossPrice > 0 && price <= *p.StopLossPrice {
		d.Trigger, d.Level = TriggerStopLoss, *p.StopLossPrice
		return d
	}

	trailingPct := s.TrailingStopPct
	if p.TrailingStopPct > 0 {
		trailingPct = p.TrailingStopPct
	}
	if trailingPct > 0 {
		highest := math.Max(math.Max(p.HighestPrice, p.BuyPrice), price)
		if stop := pnl.TrailingStop(highest, trailingPct); price <= stop {
			d.Trigger, d.Level = TriggerTrailingStop, stop
		}
	}
	return d
}
