package domain

import (
	"errors"
	"time"
)

// SnipeCriteria is one owner's acceptance rule for newly launched tokens.
type SnipeCriteria struct {
	ID           string              `json:"id"`
	OwnerID      string              `json:"owner_id"`
	BuyAmount    float64             `json:"buy_amount"`   // SOL
	MaxSlippage  float64             `json:"max_slippage"` // percent
	MinLiquidity float64             `json:"min_liquidity"`
	MaxMarketCap float64             `json:"max_market_cap"`
	MinHolders   int                 `json:"min_holders"`
	MaxSupply    float64             `json:"max_supply"`
	Blacklist    map[string]struct{} `json:"-"`
	Whitelist    map[string]struct{} `json:"-"`
	IsActive     bool                `json:"is_active"`
}

const (
	DefaultSnipeSlippage     = 10.0
	DefaultSnipeMinLiquidity = 1000.0
	DefaultSnipeMaxMarketCap = 1_000_000.0
	DefaultSnipeMinHolders   = 50
	DefaultSnipeMaxSupply    = 1_000_000_000.0
)

// NewSnipeCriteria returns criteria with the default bounds.
func NewSnipeCriteria(ownerID string, buyAmount float64) SnipeCriteria {
	return SnipeCriteria{
		OwnerID:      ownerID,
		BuyAmount:    buyAmount,
		MaxSlippage:  DefaultSnipeSlippage,
		MinLiquidity: DefaultSnipeMinLiquidity,
		MaxMarketCap: DefaultSnipeMaxMarketCap,
		MinHolders:   DefaultSnipeMinHolders,
		MaxSupply:    DefaultSnipeMaxSupply,
		Blacklist:    map[string]struct{}{},
		Whitelist:    map[string]struct{}{},
		IsActive:     true,
	}
}

// Validate checks the criteria bounds.
func (c *SnipeCriteria) Validate() error {
	switch {
	case c.OwnerID == "":
		return errors.New("owner id is required")
	case c.BuyAmount <= 0:
		return errors.New("buy amount must be positive")
	case c.MaxSlippage < 0.1 || c.MaxSlippage > 50:
		return errors.New("max slippage must be between 0.1 and 50")
	case c.MinLiquidity < 0 || c.MaxMarketCap < 0 || c.MinHolders < 0 || c.MaxSupply < 0:
		return errors.New("criteria bounds must not be negative")
	}
	return nil
}

// Snapshot returns a copy whose sets are not shared with the caller.
func (c SnipeCriteria) Snapshot() SnipeCriteria {
	c.Blacklist = copySet(c.Blacklist)
	c.Whitelist = copySet(c.Whitelist)
	return c
}

// SetList replaces a set from a slice of addresses.
func SetList(addrs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		out[a] = struct{}{}
	}
	return out
}

// ListSet returns the members of a set as a slice.
func ListSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// TokenCandidate is a newly observed token to evaluate.
// Holders and Supply are zero when unknown.
type TokenCandidate struct {
	Address      string    `json:"address"`
	Holders      int       `json:"holders"`
	Supply       float64   `json:"supply"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
