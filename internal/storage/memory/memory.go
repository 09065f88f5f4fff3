// Package memory is an in-process Storage used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
)

// Store keeps every record in maps guarded by one mutex. Values are copied on
// the way in and out so callers never alias stored state.
type Store struct {
	mu            sync.RWMutex
	positions     map[string]*domain.Position
	buySignatures map[string]string // signature -> position id
	sells         map[string]*domain.SellRecord
	trades        map[string]*domain.TradeRecord
	subscriptions map[string]*domain.CopyTradeSubscription
	criteria      map[string]*domain.SnipeCriteria
	alerts        map[string]*domain.PriceAlert
	settings      map[string]*domain.UserSettings
}

var _ storage.Storage = (*Store)(nil)

func New() *Store {
	return &Store{
		positions:     make(map[string]*domain.Position),
		buySignatures: make(map[string]string),
		sells:         make(map[string]*domain.SellRecord),
		trades:        make(map[string]*domain.TradeRecord),
		subscriptions: make(map[string]*domain.CopyTradeSubscription),
		criteria:      make(map[string]*domain.SnipeCriteria),
		alerts:        make(map[string]*domain.PriceAlert),
		settings:      make(map[string]*domain.UserSettings),
	}
}

func (s *Store) InsertPosition(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return storage.ErrDuplicateKey
	}
	if p.BuySignature != "" {
		if _, ok := s.buySignatures[p.BuySignature]; ok {
			return storage.ErrDuplicateKey
		}
		s.buySignatures[p.BuySignature] = p.ID
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *Store) UpdatePosition(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return storage.ErrNotFound
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *Store) GetPosition(_ context.Context, id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) GetPositionByBuySignature(ctx context.Context, signature string) (*domain.Position, error) {
	s.mu.RLock()
	id, ok := s.buySignatures[signature]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetPosition(ctx, id)
}

func (s *Store) ListPositions(_ context.Context, filter storage.PositionFilter) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Position
	for _, p := range s.positions {
		if filter.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BuyTimestamp.Equal(out[j].BuyTimestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].BuyTimestamp.Before(out[j].BuyTimestamp)
	})
	return out, nil
}

func (s *Store) RecordSell(_ context.Context, rec *domain.SellRecord, updated *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sells[rec.Signature]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := s.positions[updated.ID]; !ok {
		return storage.ErrNotFound
	}
	r := *rec
	s.sells[rec.Signature] = &r
	s.positions[updated.ID] = updated.Clone()
	return nil
}

func (s *Store) GetSellRecord(_ context.Context, signature string) (*domain.SellRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.sells[signature]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) InsertTrade(_ context.Context, t *domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[t.ID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *Store) UpdateTrade(_ context.Context, t *domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[t.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *Store) ListTrades(_ context.Context, ownerID string, since time.Time) ([]*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.TradeRecord
	for _, t := range s.trades {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		if !since.IsZero() && t.CreatedAt.Before(since) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteTradesBefore(_ context.Context, before time.Time, status domain.TradeStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.trades {
		if t.Status == status && t.CreatedAt.Before(before) {
			delete(s.trades, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveSubscription(_ context.Context, sub *domain.CopyTradeSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (*domain.CopyTradeSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) ListSubscriptions(_ context.Context, activeOnly bool) ([]*domain.CopyTradeSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CopyTradeSubscription
	for _, sub := range s.subscriptions {
		if activeOnly && !sub.IsActive {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveCriteria(_ context.Context, c *domain.SnipeCriteria) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c.Snapshot()
	s.criteria[c.ID] = &cp
	return nil
}

func (s *Store) ListCriteria(_ context.Context, activeOnly bool) ([]*domain.SnipeCriteria, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.SnipeCriteria
	for _, c := range s.criteria {
		if activeOnly && !c.IsActive {
			continue
		}
		cp := c.Snapshot()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveAlert(_ context.Context, a *domain.PriceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *Store) ListAlerts(_ context.Context, pendingOnly bool) ([]*domain.PriceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.PriceAlert
	for _, a := range s.alerts {
		if pendingOnly && a.Triggered {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetSettings(_ context.Context, ownerID string) (*domain.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[ownerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SaveSettings(_ context.Context, st *domain.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.settings[st.OwnerID] = &cp
	return nil
}

func (s *Store) Close() {}
