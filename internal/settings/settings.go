// Package settings serves owners' trading preferences as immutable snapshots.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
)

// Store is the persistence the provider needs.
type Store interface {
	GetSettings(ctx context.Context, ownerID string) (*domain.UserSettings, error)
	SaveSettings(ctx context.Context, s *domain.UserSettings) error
}

// Provider caches settings per owner. Settings returns a value, so a
// concurrent Update never changes a snapshot already handed out.
type Provider struct {
	store  Store
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]domain.UserSettings
}

func NewProvider(store Store, logger *zap.Logger) *Provider {
	return &Provider{
		store:  store,
		logger: logger.Named("settings"),
		cache:  make(map[string]domain.UserSettings),
	}
}

// Settings returns the owner's snapshot, falling back to the defaults when
// nothing is stored or the store fails.
func (p *Provider) Settings(ctx context.Context, ownerID string) domain.UserSettings {
	p.mu.RLock()
	s, ok := p.cache[ownerID]
	p.mu.RUnlock()
	if ok {
		return s
	}

	stored, err := p.store.GetSettings(ctx, ownerID)
	switch {
	case err == nil:
		s = *stored
	case errors.Is(err, storage.ErrNotFound):
		s = domain.DefaultSettings(ownerID)
	default:
		p.logger.Warn("Failed to load settings, using defaults",
			zap.String("owner_id", ownerID), zap.Error(err))
		return domain.DefaultSettings(ownerID)
	}

	p.mu.Lock()
	p.cache[ownerID] = s
	p.mu.Unlock()
	return s
}

// Update validates and persists new settings.
func (p *Provider) Update(ctx context.Context, s domain.UserSettings) error {
	if s.OwnerID == "" {
		return errors.New("owner id is required")
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := p.store.SaveSettings(ctx, &s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	p.mu.Lock()
	p.cache[s.OwnerID] = s
	p.mu.Unlock()
	return nil
}
