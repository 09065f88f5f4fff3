package domain

import (
	"time"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionPartial PositionStatus = "partial"
	PositionClosed  PositionStatus = "closed"
)

// CloseReason records what closed (or last reduced) a position.
type CloseReason string

const (
	CloseTakeProfit   CloseReason = "take_profit"
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTrailingStop CloseReason = "trailing_stop"
	CloseManual       CloseReason = "manual"
	CloseEmergency    CloseReason = "emergency"
	CloseCopyTrade    CloseReason = "copy_trade"
	CloseStale        CloseReason = "stale"
)

// Position is a tracked holding of one token by one owner.
// Prices are quoted in USD, amounts in UI token units.
type Position struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	TokenAddress    string         `json:"token_address"`
	Amount          float64        `json:"amount"`
	InitialAmount   float64        `json:"initial_amount"`
	TokenDecimals   uint8          `json:"token_decimals"`
	BuyPrice        float64        `json:"buy_price"`
	BuyTimestamp    time.Time      `json:"buy_timestamp"`
	BuySignature    string         `json:"buy_signature"`
	Status          PositionStatus `json:"status"`
	TakeProfitPrice *float64       `json:"take_profit_price,omitempty"`
	StopLossPrice   *float64       `json:"stop_loss_price,omitempty"`
	SellPrice       *float64       `json:"sell_price,omitempty"`
	SellTimestamp   *time.Time     `json:"sell_timestamp,omitempty"`
	CloseReason     CloseReason    `json:"close_reason,omitempty"`
	PnL             float64        `json:"pnl"`
	PnLPercentage   float64        `json:"pnl_percentage"`
	// PnLUnknown is set when the position was closed without a sell price.
	PnLUnknown bool `json:"pnl_unknown"`
	// TrailingStopPct overrides the owner's setting when positive.
	TrailingStopPct float64 `json:"trailing_stop_pct,omitempty"`
	HighestPrice    float64 `json:"highest_price,omitempty"`
	// PendingSell is set while a submitted sell awaits reconciliation.
	PendingSell *PendingSell `json:"pending_sell,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// PendingSell is a sell whose confirmation timed out. Until it is reconciled
// against the chain no new sell may be attempted for the position.
type PendingSell struct {
	Signature   string      `json:"signature"`
	Amount      float64     `json:"amount"`
	Price       float64     `json:"price"`
	Reason      CloseReason `json:"reason"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// IsActive reports whether the position still holds tokens.
func (p *Position) IsActive() bool {
	return p.Status == PositionOpen || p.Status == PositionPartial
}

// Clone returns a deep copy so callers never share pointers with the ledger.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.TakeProfitPrice = clonePtr(p.TakeProfitPrice)
	cp.StopLossPrice = clonePtr(p.StopLossPrice)
	cp.SellPrice = clonePtr(p.SellPrice)
	if p.SellTimestamp != nil {
		ts := *p.SellTimestamp
		cp.SellTimestamp = &ts
	}
	if p.PendingSell != nil {
		ps := *p.PendingSell
		cp.PendingSell = &ps
	}
	return &cp
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

// SellRecord is the durable trace of one confirmed sell. Signature is unique.
type SellRecord struct {
	Signature  string    `json:"signature"`
	PositionID string    `json:"position_id"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}
