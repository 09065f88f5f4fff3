package domain

import (
	"time"
)

// MarketData is a market snapshot for one token.
type MarketData struct {
	TokenAddress   string    `json:"token_address"`
	Price          float64   `json:"price"`        // USD
	PriceNative    float64   `json:"price_native"` // quote asset (SOL) per token
	PriceChange24h float64   `json:"price_change_24h"`
	Volume24h      float64   `json:"volume_24h"`
	MarketCap      float64   `json:"market_cap"`
	Liquidity      float64   `json:"liquidity"` // USD
	PairAddress    string    `json:"pair_address"`
	DexID          string    `json:"dex_id"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// AlertCondition is the crossing direction of a price alert.
type AlertCondition string

const (
	AlertAbove AlertCondition = "above"
	AlertBelow AlertCondition = "below"
)

// PriceAlert fires once when the price crosses TargetPrice.
type PriceAlert struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	TokenAddress string         `json:"token_address"`
	TargetPrice  float64        `json:"target_price"`
	Condition    AlertCondition `json:"condition"`
	Triggered    bool           `json:"triggered"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Reached reports whether price satisfies the alert.
func (a *PriceAlert) Reached(price float64) bool {
	if a.Condition == AlertBelow {
		return price <= a.TargetPrice
	}
	return price >= a.TargetPrice
}
