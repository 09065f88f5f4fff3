package sniping

import (
	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// Rejection reasons returned by Evaluate.
const (
	RejectBlacklisted    = "blacklisted"
	RejectNotWhitelisted = "not_whitelisted"
	RejectLiquidity      = "liquidity"
	RejectMarketCap      = "market_cap"
	RejectHolders        = "holders"
	RejectSupply         = "supply"
)

// Candidate is a launched token with everything the criteria look at.
type Candidate struct {
	domain.TokenCandidate
	Market domain.MarketData
}

// Evaluate applies one criteria set to a candidate. Zero MaxMarketCap or
// MaxSupply means no upper bound.
func Evaluate(c domain.SnipeCriteria, cand Candidate) (bool, string) {
	if _, ok := c.Blacklist[cand.Address]; ok {
		return false, RejectBlacklisted
	}
	if len(c.Whitelist) > 0 {
		if _, ok := c.Whitelist[cand.Address]; !ok {
			return false, RejectNotWhitelisted
		}
	}

	switch {
	case cand.Market.Liquidity < c.MinLiquidity:
		return false, RejectLiquidity
	case c.MaxMarketCap > 0 && cand.Market.MarketCap > c.MaxMarketCap:
		return false, RejectMarketCap
	case cand.Holders < c.MinHolders:
		return false, RejectHolders
	case c.MaxSupply > 0 && cand.Supply > c.MaxSupply:
		return false, RejectSupply
	}
	return true, ""
}
