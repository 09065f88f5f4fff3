package domain

import (
	"errors"
	"time"
)

// CopyTradeStats are updated only from confirmed swap outcomes.
type CopyTradeStats struct {
	TotalCopied      int     `json:"total_copied"`
	SuccessfulCopies int     `json:"successful_copies"`
	TotalPnL         float64 `json:"total_pnl"`
}

// CopyTradeSubscription is one follower's mirror of a target wallet.
type CopyTradeSubscription struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	TargetWallet   string         `json:"target_wallet"`
	CopyRatio      float64        `json:"copy_ratio"`
	MaxAmount      float64        `json:"max_amount"` // SOL
	DelaySeconds   int            `json:"delay_seconds"`
	OnlyBuys       bool           `json:"only_buys"`
	OnlySells      bool           `json:"only_sells"`
	MinTradeAmount float64        `json:"min_trade_amount"` // SOL
	IsActive       bool           `json:"is_active"`
	Stats          CopyTradeStats `json:"stats"`
	CreatedAt      time.Time      `json:"created_at"`
}

const (
	DefaultCopyRatio      = 1.0
	DefaultCopyMaxAmount  = 1.0
	DefaultCopyDelay      = 5
	DefaultMinTradeAmount = 0.01
	MaxCopyDelaySeconds   = 300
)

// Validate checks the subscription bounds.
func (s *CopyTradeSubscription) Validate() error {
	switch {
	case s.OwnerID == "":
		return errors.New("owner id is required")
	case s.TargetWallet == "":
		return errors.New("target wallet is required")
	case s.CopyRatio < 0.1 || s.CopyRatio > 10:
		return errors.New("copy ratio must be between 0.1 and 10")
	case s.MaxAmount <= 0:
		return errors.New("max amount must be positive")
	case s.DelaySeconds < 0 || s.DelaySeconds > MaxCopyDelaySeconds:
		return errors.New("delay must be between 0 and 300 seconds")
	case s.MinTradeAmount < 0:
		return errors.New("min trade amount must not be negative")
	case s.OnlyBuys && s.OnlySells:
		return errors.New("only buys and only sells are mutually exclusive")
	}
	return nil
}

// ActivityType classifies an observed trade on a target wallet.
type ActivityType string

const (
	ActivityBuy      ActivityType = "buy"
	ActivitySell     ActivityType = "sell"
	ActivityTransfer ActivityType = "transfer"
)

// WalletActivity is one trade observed on a watched wallet.
// SolAmount is the SOL value of the trade, TokenAmount the token side in UI units.
type WalletActivity struct {
	Type         ActivityType `json:"type"`
	Wallet       string       `json:"wallet"`
	Signature    string       `json:"signature"`
	TokenAddress string       `json:"token_address,omitempty"`
	SolAmount    float64      `json:"sol_amount"`
	TokenAmount  float64      `json:"token_amount,omitempty"`
	ObservedAt   time.Time    `json:"observed_at"`
}
