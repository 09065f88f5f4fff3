// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
)

var (
	ErrNotFound       = storage.ErrNotFound
	ErrPositionClosed = errors.New("position is closed")
	ErrInvalidAmount  = errors.New("amount must be positive")
)

// dustRatio: остаток меньше этой доли от начального количества считается нулем.
const dustRatio = 1e-9

// Options tunes a Ledger. Zero values fall back to defaults.
type Options struct {
	LeaseTTL  time.Duration
	Publisher events.Publisher
	Metrics   *metrics.Collector
}

// Ledger is the only writer of positions. Active positions are cached in
// memory; every mutation is persisted before the cache is updated.
type Ledger struct {
	store     storage.Storage
	leases    LeaseStore
	leaseTTL  time.Duration
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	active map[string]*domain.Position

	// per-position mutex for read-modify-write sequences
	locks sync.Map
}

func New(store storage.Storage, leases LeaseStore, opts Options, logger *zap.Logger) *Ledger {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if leases == nil {
		leases = NewMemoryLeaseStore()
	}
	return &Ledger{
		store:     store,
		leases:    leases,
		leaseTTL:  opts.LeaseTTL,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    logger.Named("ledger"),
		now:       time.Now,
		active:    make(map[string]*domain.Position),
	}
}

// Load warms the cache with every open or partial position from the store.
func (l *Ledger) Load(ctx context.Context) error {
	positions, err := l.store.ListPositions(ctx, storage.PositionFilter{
		Statuses: []domain.PositionStatus{domain.PositionOpen, domain.PositionPartial},
	})
	if err != nil {
		return fmt.Errorf("load active positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = make(map[string]*domain.Position, len(positions))
	for _, p := range positions {
		l.active[p.ID] = p
	}

	l.logger.Info("📒 Ledger loaded", zap.Int("active_positions", len(positions)))
	return nil
}

// OpenParams describes a confirmed buy.
type OpenParams struct {
	OwnerID         string
	TokenAddress    string
	Amount          float64
	TokenDecimals   uint8
	BuyPrice        float64
	Signature       string
	TakeProfitPrice *float64
	StopLossPrice   *float64
	TrailingStopPct float64
}

// Open records a position for a confirmed buy. It is idempotent on the buy
// signature: a second call returns the position created by the first.
func (l *Ledger) Open(ctx context.Context, params OpenParams) (*domain.Position, error) {
	if params.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if params.BuyPrice < 0 {
		return nil, fmt.Errorf("negative buy price %v", params.BuyPrice)
	}

	if params.Signature != "" {
		existing, err := l.store.GetPositionByBuySignature(ctx, params.Signature)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lookup buy signature: %w", err)
		}
	}

	now := l.now()
	p := &domain.Position{
		ID:              uuid.NewString(),
		OwnerID:         params.OwnerID,
		TokenAddress:    params.TokenAddress,
		Amount:          params.Amount,
		InitialAmount:   params.Amount,
		TokenDecimals:   params.TokenDecimals,
		BuyPrice:        params.BuyPrice,
		BuyTimestamp:    now,
		BuySignature:    params.Signature,
		Status:          domain.PositionOpen,
		TakeProfitPrice: params.TakeProfitPrice,
		StopLossPrice:   params.StopLossPrice,
		TrailingStopPct: params.TrailingStopPct,
		HighestPrice:    params.BuyPrice,
		UpdatedAt:       now,
	}

	if err := l.store.InsertPosition(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) && params.Signature != "" {
			return l.store.GetPositionByBuySignature(ctx, params.Signature)
		}
		return nil, fmt.Errorf("insert position: %w", err)
	}

	l.cache(p)
	l.publish(events.PositionEvent{
		BaseEvent: events.NewBase(events.PositionOpened, p.OwnerID),
		Position:  p.Clone(),
	})
	l.logger.Info("🟢 Position opened",
		zap.String("position_id", p.ID),
		zap.String("owner_id", p.OwnerID),
		zap.String("token", p.TokenAddress),
		zap.Float64("amount", p.Amount),
		zap.Float64("buy_price", p.BuyPrice))

	return p.Clone(), nil
}

// RecordSell applies a confirmed sell. Replays with an already recorded
// signature return the stored position unchanged. A sell that leaves a
// remainder moves the position to partial; otherwise it closes.
func (l *Ledger) RecordSell(ctx context.Context, positionID string, sellPrice, soldAmount float64,
	signature string, reason domain.CloseReason) (*domain.Position, error) {
	if signature == "" {
		return nil, errors.New("sell signature is required")
	}
	if soldAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := l.lockPosition(positionID)
	defer unlock()

	if _, err := l.store.GetSellRecord(ctx, signature); err == nil {
		l.logger.Debug("Sell already recorded", zap.String("signature", signature))
		return l.Get(ctx, positionID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup sell record: %w", err)
	}

	current, err := l.load(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !current.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}

	now := l.now()
	updated := applySell(current, sellPrice, soldAmount, now)
	updated.CloseReason = reason

	rec := &domain.SellRecord{
		Signature:  signature,
		PositionID: positionID,
		Price:      sellPrice,
		Amount:     current.Amount - updated.Amount,
		Timestamp:  now,
	}
	if err := l.store.RecordSell(ctx, rec, updated); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return l.Get(ctx, positionID)
		}
		return nil, fmt.Errorf("record sell: %w", err)
	}

	l.cache(updated)

	evType := events.PositionReduced
	if updated.Status == domain.PositionClosed {
		evType = events.PositionClosed
	}
	l.publish(events.PositionEvent{
		BaseEvent: events.NewBase(evType, updated.OwnerID),
		Position:  updated.Clone(),
		Reason:    reason,
	})
	l.logger.Info("🔴 Sell recorded",
		zap.String("position_id", positionID),
		zap.String("status", string(updated.Status)),
		zap.String("reason", string(reason)),
		zap.Float64("sold", rec.Amount),
		zap.Float64("price", sellPrice),
		zap.Float64("pnl", updated.PnL))

	return updated.Clone(), nil
}

// applySell returns the position after selling soldAmount at price.
// PnL is realized PnL over all sells; the percentage is relative to the full
// cost basis of the initial amount.
func applySell(p *domain.Position, price, soldAmount float64, now time.Time) *domain.Position {
	out := p.Clone()
	sold := soldAmount
	if sold > out.Amount {
		sold = out.Amount
	}

	out.Amount -= sold
	out.PnL += (price - out.BuyPrice) * sold
	if basis := out.BuyPrice * out.InitialAmount; basis > 0 {
		out.PnLPercentage = out.PnL / basis * 100
	}

	if out.Amount <= out.InitialAmount*dustRatio {
		out.Amount = 0
		out.Status = domain.PositionClosed
	} else {
		out.Status = domain.PositionPartial
	}

	out.SellPrice = &price
	ts := now
	out.SellTimestamp = &ts
	out.PendingSell = nil
	out.UpdatedAt = now
	return out
}

// Get returns a copy of the position.
func (l *Ledger) Get(ctx context.Context, positionID string) (*domain.Position, error) {
	p, err := l.load(ctx, positionID)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// load returns the cached position or reads it from the store. The result
// must not be mutated.
func (l *Ledger) load(ctx context.Context, positionID string) (*domain.Position, error) {
	l.mu.RLock()
	p, ok := l.active[positionID]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("position %s: %w", positionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListOpen returns open and partial positions of ownerID (all owners when
// ownerID is empty), oldest first.
func (l *Ledger) ListOpen(ownerID string) []*domain.Position {
	return l.selectActive(func(p *domain.Position) bool {
		return ownerID == "" || p.OwnerID == ownerID
	})
}

// CountOpen is len(ListOpen(ownerID)) without copying.
func (l *Ledger) CountOpen(ownerID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, p := range l.active {
		if p.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// ListOpenOlderThan returns active positions bought before cutoff.
func (l *Ledger) ListOpenOlderThan(cutoff time.Time) []*domain.Position {
	return l.selectActive(func(p *domain.Position) bool {
		return p.BuyTimestamp.Before(cutoff)
	})
}

// FindOpen returns the owner's active position in token, if any.
func (l *Ledger) FindOpen(ownerID, tokenAddress string) (*domain.Position, bool) {
	list := l.selectActive(func(p *domain.Position) bool {
		return p.OwnerID == ownerID && p.TokenAddress == tokenAddress
	})
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// ListClosed reads the owner's closed positions from the store.
func (l *Ledger) ListClosed(ctx context.Context, ownerID string) ([]*domain.Position, error) {
	return l.store.ListPositions(ctx, storage.PositionFilter{
		OwnerID:  ownerID,
		Statuses: []domain.PositionStatus{domain.PositionClosed},
	})
}

// ListAll reads every position of the owner, any status.
func (l *Ledger) ListAll(ctx context.Context, ownerID string) ([]*domain.Position, error) {
	return l.store.ListPositions(ctx, storage.PositionFilter{OwnerID: ownerID})
}

func (l *Ledger) selectActive(keep func(*domain.Position) bool) []*domain.Position {
	l.mu.RLock()
	out := make([]*domain.Position, 0, len(l.active))
	for _, p := range l.active {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BuyTimestamp.Equal(out[j].BuyTimestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].BuyTimestamp.Before(out[j].BuyTimestamp)
	})
	return out
}

// ForceClose closes a position without a sell transaction. When lastKnown is
// nil the sell price stays unset and PnL is marked unknown. Closing an
// already closed position is a no-op.
func (l *Ledger) ForceClose(ctx context.Context, positionID string, reason domain.CloseReason,
	lastKnown *float64) (*domain.Position, error) {
	unlock := l.lockPosition(positionID)
	defer unlock()

	current, err := l.load(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !current.IsActive() {
		return current.Clone(), nil
	}

	now := l.now()
	updated := current.Clone()
	updated.Status = domain.PositionClosed
	updated.CloseReason = reason
	updated.SellTimestamp = &now
	updated.PendingSell = nil
	updated.UpdatedAt = now
	if lastKnown != nil {
		price := *lastKnown
		updated.SellPrice = &price
		updated.PnL += (price - updated.BuyPrice) * updated.Amount
		if basis := updated.BuyPrice * updated.InitialAmount; basis > 0 {
			updated.PnLPercentage = updated.PnL / basis * 100
		}
	} else {
		updated.SellPrice = nil
		updated.PnLUnknown = true
	}
	updated.Amount = 0

	if err := l.store.UpdatePosition(ctx, updated); err != nil {
		return nil, fmt.Errorf("force close: %w", err)
	}
	l.cache(updated)

	l.publish(events.PositionEvent{
		BaseEvent: events.NewBase(events.PositionClosed, updated.OwnerID),
		Position:  updated.Clone(),
		Reason:    reason,
	})
	l.logger.Info("🧹 Position force-closed",
		zap.String("position_id", positionID),
		zap.String("reason", string(reason)),
		zap.Bool("pnl_unknown", updated.PnLUnknown))

	return updated.Clone(), nil
}

// MarkPending parks a position behind a sell whose outcome is unknown.
func (l *Ledger) MarkPending(ctx context.Context, positionID string, pending domain.PendingSell) error {
	return l.mutate(ctx, positionID, func(p *domain.Position) bool {
		ps := pending
		p.PendingSell = &ps
		return true
	})
}

// ClearPending drops a pending sell that turned out to have failed.
func (l *Ledger) ClearPending(ctx context.Context, positionID string) error {
	return l.mutate(ctx, positionID, func(p *domain.Position) bool {
		if p.PendingSell == nil {
			return false
		}
		p.PendingSell = nil
		return true
	})
}

// UpdateHighest raises the trailing-stop high-water mark. Lower prices are ignored.
func (l *Ledger) UpdateHighest(ctx context.Context, positionID string, price float64) error {
	return l.mutate(ctx, positionID, func(p *domain.Position) bool {
		if price <= p.HighestPrice {
			return false
		}
		p.HighestPrice = price
		return true
	})
}

// mutate applies fn to a copy of an active position and persists it when fn
// reports a change.
func (l *Ledger) mutate(ctx context.Context, positionID string, fn func(*domain.Position) bool) error {
	unlock := l.lockPosition(positionID)
	defer unlock()

	current, err := l.load(ctx, positionID)
	if err != nil {
		return err
	}
	if !current.IsActive() {
		return fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}

	updated := current.Clone()
	if !fn(updated) {
		return nil
	}
	updated.UpdatedAt = l.now()
	if err := l.store.UpdatePosition(ctx, updated); err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	l.cache(updated)
	return nil
}

// AcquireExecutionLock takes the lease for (ownerID, tokenAddress) or returns ErrBusy.
func (l *Ledger) AcquireExecutionLock(ctx context.Context, ownerID, tokenAddress string) (*Lease, error) {
	lease := newLease(l.leases, ownerID, tokenAddress, l.logger)

	ok, err := l.leases.Acquire(ctx, lease.key, lease.token, l.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	lease.AcquiredAt = l.now()
	go lease.keepAlive(l.leaseTTL)
	return lease, nil
}

// WithLease runs fn while holding the execution lease and always releases it.
// ErrBusy is returned untouched so callers can skip silently.
func (l *Ledger) WithLease(ctx context.Context, source domain.TradeSource, ownerID, tokenAddress string,
	fn func(ctx context.Context) error) error {
	lease, err := l.AcquireExecutionLock(ctx, ownerID, tokenAddress)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			l.metrics.LeaseBusy(string(source))
			l.logger.Debug("Lease busy, skipping",
				zap.String("source", string(source)),
				zap.String("owner_id", ownerID),
				zap.String("token", tokenAddress))
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			l.logger.Warn("Lease release failed", zap.String("key", lease.key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func (l *Ledger) lockPosition(id string) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (l *Ledger) cache(p *domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.IsActive() {
		l.active[p.ID] = p.Clone()
		return
	}
	delete(l.active, p.ID)
	l.locks.Delete(p.ID)
}

func (l *Ledger) publish(ev events.Event) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ev); err != nil {
		l.logger.Warn("Failed to publish event", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}
