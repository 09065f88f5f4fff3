package domain

import (
	"errors"
)

// UserSettings is an immutable snapshot of an owner's trading preferences.
// Components read one snapshot at the start of an evaluation cycle.
type UserSettings struct {
	OwnerID          string  `json:"owner_id"`
	Slippage         float64 `json:"slippage"`          // percent
	TakeProfitPct    float64 `json:"take_profit_pct"`   // percent
	StopLossPct      float64 `json:"stop_loss_pct"`     // percent
	TrailingStopPct  float64 `json:"trailing_stop_pct"` // 0 disables
	MaxPositions     int     `json:"max_positions"`
	DefaultBuyAmount float64 `json:"default_buy_amount"` // SOL
	AutoSell         bool    `json:"auto_sell"`
}

// DefaultSettings returns the settings a new owner starts with.
func DefaultSettings(ownerID string) UserSettings {
	return UserSettings{
		OwnerID:          ownerID,
		Slippage:         0.5,
		TakeProfitPct:    100,
		StopLossPct:      50,
		MaxPositions:     10,
		DefaultBuyAmount: 0.1,
		AutoSell:         true,
	}
}

// Validate checks the settings bounds.
func (s UserSettings) Validate() error {
	switch {
	case s.Slippage < 0.1 || s.Slippage > 50:
		return errors.New("slippage must be between 0.1 and 50")
	case s.TakeProfitPct < 1 || s.TakeProfitPct > 1000:
		return errors.New("take profit must be between 1 and 1000")
	case s.StopLossPct < 1 || s.StopLossPct > 99:
		return errors.New("stop loss must be between 1 and 99")
	case s.TrailingStopPct < 0 || s.TrailingStopPct >= 100:
		return errors.New("trailing stop must be between 0 and 100")
	case s.MaxPositions < 1 || s.MaxPositions > 50:
		return errors.New("max positions must be between 1 and 50")
	case s.DefaultBuyAmount < 0.01 || s.DefaultBuyAmount > 100:
		return errors.New("default buy amount must be between 0.01 and 100")
	}
	return nil
}
