package domain

import (
	"time"
)

// TradeKind is the direction of a trade.
type TradeKind string

const (
	TradeBuy  TradeKind = "buy"
	TradeSell TradeKind = "sell"
)

// TradeSource names the component that produced an intent.
type TradeSource string

const (
	SourceMonitor   TradeSource = "monitor"
	SourceCopyTrade TradeSource = "copytrade"
	SourceSnipe     TradeSource = "snipe"
	SourceManual    TradeSource = "manual"
	SourceEmergency TradeSource = "emergency"
)

// TradeIntent is the unit of work handed to the swap executor. It is never persisted.
//
// Buys spend SolAmount. Sells spend TokenAmount (UI units) of a token whose decimals
// are given in TokenDecimals.
type TradeIntent struct {
	Kind                  TradeKind   `json:"kind"`
	Source                TradeSource `json:"source"`
	OwnerID               string      `json:"owner_id"`
	TokenAddress          string      `json:"token_address"`
	SolAmount             float64     `json:"sol_amount,omitempty"`
	TokenAmount           float64     `json:"token_amount,omitempty"`
	TokenDecimals         uint8       `json:"token_decimals,omitempty"`
	Slippage              float64     `json:"slippage"` // percent
	OriginatingPositionID string      `json:"originating_position_id,omitempty"`
}

// OutcomeStatus is the settled state of a swap attempt.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	// OutcomeUnknown means the transaction was submitted but its fate is not yet known.
	OutcomeUnknown OutcomeStatus = "unknown"
)

// SwapOutcome is the result of one executor attempt.
// InAmount and OutAmount are raw base units; TokenDecimals applies to the
// token side of the swap.
type SwapOutcome struct {
	Status        OutcomeStatus `json:"status"`
	Signature     string        `json:"signature,omitempty"`
	Err           error         `json:"-"`
	InAmount      uint64        `json:"in_amount,omitempty"`
	OutAmount     uint64        `json:"out_amount,omitempty"`
	TokenDecimals uint8         `json:"token_decimals,omitempty"`
}

// Success reports whether the swap confirmed.
func (o SwapOutcome) Success() bool {
	return o.Status == OutcomeSuccess
}

// Error returns the failure reason as text.
func (o SwapOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// TradeStatus is the audit status of a TradeRecord.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeConfirmed TradeStatus = "confirmed"
	TradeFailed    TradeStatus = "failed"
)

// TradeRecord is the audit trail of one swap attempt.
type TradeRecord struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"owner_id"`
	Kind         TradeKind   `json:"kind"`
	Source       TradeSource `json:"source"`
	TokenAddress string      `json:"token_address"`
	SolAmount    float64     `json:"sol_amount"`
	TokenAmount  float64     `json:"token_amount"`
	Signature    string      `json:"signature,omitempty"`
	Status       TradeStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
