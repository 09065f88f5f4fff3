// internal/events/types.go
package events

import (
	"time"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// EventType represents the type of event.
type EventType string

const (
	// Trade events
	TradeExecuted            EventType = "trade.executed"
	TradeFailed              EventType = "trade.failed"
	TradePendingVerification EventType = "trade.pending_verification"

	// Position events
	PositionOpened  EventType = "position.opened"
	PositionClosed  EventType = "position.closed"
	PositionReduced EventType = "position.reduced"

	// Automation events
	AutomationDeactivated EventType = "automation.deactivated"
	PriceAlertTriggered   EventType = "alert.triggered"
	CopyTradeDropped      EventType = "copytrade.dropped"

	// Monitoring events
	MonitoringStarted EventType = "monitoring.started"
	MonitoringStopped EventType = "monitoring.stopped"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	Owner() string
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType `json:"type"`
	EventTime time.Time `json:"time"`
	OwnerID   string    `json:"owner_id"`
}

// NewBase stamps a base event with the current time.
func NewBase(t EventType, ownerID string) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now(), OwnerID: ownerID}
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// Owner returns the user the event is addressed to.
func (e BaseEvent) Owner() string {
	return e.OwnerID
}

// TradeEvent reports the outcome of one swap attempt to its owner.
// Unknown outcomes are published as TradePendingVerification.
type TradeEvent struct {
	BaseEvent
	Source       domain.TradeSource `json:"source"`
	Kind         domain.TradeKind   `json:"kind"`
	TokenAddress string             `json:"token_address"`
	PositionID   string             `json:"position_id,omitempty"`
	Signature    string             `json:"signature,omitempty"`
	SolAmount    float64            `json:"sol_amount,omitempty"`
	TokenAmount  float64            `json:"token_amount,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// PositionEvent carries a snapshot of a position after a change.
type PositionEvent struct {
	BaseEvent
	Position *domain.Position   `json:"position"`
	Reason   domain.CloseReason `json:"reason,omitempty"`
}

// AutomationDeactivatedEvent is emitted when a monitor, subscription or snipe
// criteria set is switched off because it kept failing.
type AutomationDeactivatedEvent struct {
	BaseEvent
	Kind     string `json:"kind"` // "position", "copytrade", "snipe"
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

// PriceAlertEvent is emitted once when an alert's target is reached.
type PriceAlertEvent struct {
	BaseEvent
	Alert        domain.PriceAlert `json:"alert"`
	CurrentPrice float64           `json:"current_price"`
}

// MonitoringEvent is emitted when a watcher starts or stops.
type MonitoringEvent struct {
	BaseEvent
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason,omitempty"`
}

// CopyDroppedEvent tells a follower that an activity of the target wallet
// was not copied because the follower's queue was full.
type CopyDroppedEvent struct {
	BaseEvent
	SubscriptionID string `json:"subscription_id"`
	TargetWallet   string `json:"target_wallet"`
	TokenAddress   string `json:"token_address"`
	Signature      string `json:"signature,omitempty"`
}
