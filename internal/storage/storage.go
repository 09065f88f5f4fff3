// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a unique key (buy or sell signature,
	// record id) already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// PositionFilter selects positions. Zero fields do not filter.
type PositionFilter struct {
	OwnerID      string
	TokenAddress string
	Statuses     []domain.PositionStatus
	OpenedBefore time.Time
}

// Matches applies the filter in memory.
func (f PositionFilter) Matches(p *domain.Position) bool {
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.TokenAddress != "" && p.TokenAddress != f.TokenAddress {
		return false
	}
	if !f.OpenedBefore.IsZero() && !p.BuyTimestamp.Before(f.OpenedBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// Storage определяет интерфейс для работы с хранилищем
type Storage interface {
	// Позиции
	InsertPosition(ctx context.Context, p *domain.Position) error
	UpdatePosition(ctx context.Context, p *domain.Position) error
	GetPosition(ctx context.Context, id string) (*domain.Position, error)
	GetPositionByBuySignature(ctx context.Context, signature string) (*domain.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]*domain.Position, error)

	// RecordSell stores the sell record and the updated position atomically.
	// Returns ErrDuplicateKey if the signature was already recorded.
	RecordSell(ctx context.Context, rec *domain.SellRecord, updated *domain.Position) error
	GetSellRecord(ctx context.Context, signature string) (*domain.SellRecord, error)

	// Сделки (аудит)
	InsertTrade(ctx context.Context, t *domain.TradeRecord) error
	UpdateTrade(ctx context.Context, t *domain.TradeRecord) error
	ListTrades(ctx context.Context, ownerID string, since time.Time) ([]*domain.TradeRecord, error)
	// DeleteTradesBefore removes records with the given status created before
	// the cutoff and returns how many were removed.
	DeleteTradesBefore(ctx context.Context, before time.Time, status domain.TradeStatus) (int64, error)

	// Автоматизации
	SaveSubscription(ctx context.Context, s *domain.CopyTradeSubscription) error
	GetSubscription(ctx context.Context, id string) (*domain.CopyTradeSubscription, error)
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]*domain.CopyTradeSubscription, error)

	SaveCriteria(ctx context.Context, c *domain.SnipeCriteria) error
	ListCriteria(ctx context.Context, activeOnly bool) ([]*domain.SnipeCriteria, error)

	SaveAlert(ctx context.Context, a *domain.PriceAlert) error
	ListAlerts(ctx context.Context, pendingOnly bool) ([]*domain.PriceAlert, error)

	// Настройки
	GetSettings(ctx context.Context, ownerID string) (*domain.UserSettings, error)
	SaveSettings(ctx context.Context, s *domain.UserSettings) error

	Close()
}
