package copytrade

import (
	"math"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// Skip reasons reported by Plan.
const (
	SkipUnsupported = "unsupported_activity"
	SkipOnlyBuys    = "only_buys"
	SkipOnlySells   = "only_sells"
	SkipBelowMin    = "below_min_amount"
	SkipNoToken     = "no_token"
)

// Copy is what a follower should do for one observed trade.
type Copy struct {
	Kind         domain.TradeKind
	TokenAddress string
	SolAmount    float64
}

// Plan applies a subscription's filters to an observed trade and scales it.
// The follower amount is min(observed * ratio, maxAmount) SOL.
func Plan(sub domain.CopyTradeSubscription, a domain.WalletActivity) (Copy, string, bool) {
	var kind domain.TradeKind
	switch a.Type {
	case domain.ActivityBuy:
		kind = domain.TradeBuy
	case domain.ActivitySell:
		kind = domain.TradeSell
	default:
		return Copy{}, SkipUnsupported, false
	}

	switch {
	case sub.OnlyBuys && kind != domain.TradeBuy:
		return Copy{}, SkipOnlyBuys, false
	case sub.OnlySells && kind != domain.TradeSell:
		return Copy{}, SkipOnlySells, false
	case a.TokenAddress == "":
		return Copy{}, SkipNoToken, false
	case a.SolAmount < sub.MinTradeAmount || a.SolAmount <= 0:
		return Copy{}, SkipBelowMin, false
	}

	return Copy{
		Kind:         kind,
		TokenAddress: a.TokenAddress,
		SolAmount:    math.Min(a.SolAmount*sub.CopyRatio, sub.MaxAmount),
	}, "", true
}
