package sniping

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

func TestEvaluate(t *testing.T) {
	good := Candidate{
		TokenCandidate: domain.TokenCandidate{Address: "Tok", Holders: 100, Supply: 1e6},
		Market:         domain.MarketData{Liquidity: 5000, MarketCap: 50_000},
	}

	tests := []struct {
		name   string
		edit   func(c *domain.SnipeCriteria, cand *Candidate)
		ok     bool
		reason string
	}{
		{name: "accepts", ok: true},
		{name: "blacklist", edit: func(c *domain.SnipeCriteria, _ *Candidate) { c.Blacklist = domain.SetList([]string{"Tok"}) }, reason: RejectBlacklisted},
		{name: "whitelist miss", edit: func(c *domain.SnipeCriteria, _ *Candidate) { c.Whitelist = domain.SetList([]string{"Other"}) }, reason: RejectNotWhitelisted},
		{name: "whitelist hit", edit: func(c *domain.SnipeCriteria, _ *Candidate) { c.Whitelist = domain.SetList([]string{"Tok"}) }, ok: true},
		{name: "low liquidity", edit: func(_ *domain.SnipeCriteria, cand *Candidate) { cand.Market.Liquidity = 999 }, reason: RejectLiquidity},
		{name: "market cap", edit: func(_ *domain.SnipeCriteria, cand *Candidate) { cand.Market.MarketCap = 2e6 }, reason: RejectMarketCap},
		{name: "no market cap bound", edit: func(c *domain.SnipeCriteria, cand *Candidate) { c.MaxMarketCap = 0; cand.Market.MarketCap = 1e12 }, ok: true},
		{name: "few holders", edit: func(_ *domain.SnipeCriteria, cand *Candidate) { cand.Holders = 49 }, reason: RejectHolders},
		{name: "supply", edit: func(_ *domain.SnipeCriteria, cand *Candidate) { cand.Supply = 2e9 }, reason: RejectSupply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := domain.NewSnipeCriteria("alice", 0.1)
			cand := good
			if tt.edit != nil {
				tt.edit(&c, &cand)
			}
			ok, reason := Evaluate(c, cand)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
