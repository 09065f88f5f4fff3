// internal/copytrade/monitor.go
package copytrade

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
	"github.com/rovshanmuradov/solana-trader/internal/executor"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/trading"
)

const watcherKind = "copytrade"

var (
	ErrNotFound   = errors.New("subscription not found")
	ErrNotOwner   = errors.New("subscription belongs to another owner")
	ErrDelayLimit = errors.New("delay exceeds the configured maximum")
)

// ActivityFeed reports trades of a watched wallet until ctx ends.
type ActivityFeed interface {
	Watch(ctx context.Context, wallet string, handle func(domain.WalletActivity)) error
}

// Trader executes follower trades and resolves the ones left unknown.
type Trader interface {
	Buy(ctx context.Context, req trading.BuyRequest) (trading.Result, error)
	Sell(ctx context.Context, req trading.SellRequest) (trading.Result, error)
	Reconcile(ctx context.Context, signature string) domain.SwapOutcome
}

// Positions finds a follower's holding to mirror a sell.
type Positions interface {
	FindOpen(ownerID, tokenAddress string) (*domain.Position, bool)
}

// PriceCache gives the last SOL price of a token.
type PriceCache interface {
	LastKnown(tokenAddress string) (domain.MarketData, bool)
}

// Store persists subscriptions.
type Store interface {
	SaveSubscription(ctx context.Context, s *domain.CopyTradeSubscription) error
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]*domain.CopyTradeSubscription, error)
}

type Config struct {
	MaxDelay time.Duration
	// QueueSize bounds the backlog of each follower; overflow is dropped.
	QueueSize int
	// ReconcileInterval and ReconcileWindow bound how long a copy with an
	// unknown outcome is polled before it is counted as not confirmed.
	ReconcileInterval time.Duration
	ReconcileWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDelay:          domain.MaxCopyDelaySeconds * time.Second,
		QueueSize:         64,
		ReconcileInterval: 5 * time.Second,
		ReconcileWindow:   2 * time.Minute,
	}
}

// Monitor keeps one feed subscription per target wallet and fans every
// observed trade out to the active followers of that wallet.
type Monitor struct {
	cfg       Config
	store     Store
	feed      ActivityFeed
	trader    Trader
	positions Positions
	prices    PriceCache
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	followers map[string]*follower
	wallets   map[string]*walletWatch
	wg        sync.WaitGroup
}

type follower struct {
	sub    *domain.CopyTradeSubscription
	queue  chan domain.WalletActivity
	cancel context.CancelFunc
}

type walletWatch struct {
	cancel    context.CancelFunc
	followers map[string]*follower
}

func NewMonitor(cfg Config, store Store, feed ActivityFeed, trader Trader, positions Positions, prices PriceCache,
	publisher events.Publisher, m *metrics.Collector, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = def.ReconcileWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:       cfg,
		store:     store,
		feed:      feed,
		trader:    trader,
		positions: positions,
		prices:    prices,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("copytrade"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		followers: make(map[string]*follower),
		wallets:   make(map[string]*walletWatch),
	}
}

// Start resumes every active subscription from the store.
func (m *Monitor) Start(ctx context.Context) error {
	subs, err := m.store.ListSubscriptions(ctx, true)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, s := range subs {
		m.start(s)
	}
	m.logger.Info("👥 Copy trading started",
		zap.Int("subscriptions", len(subs)),
		zap.Int("wallets", m.WalletCount()))
	return nil
}

// Follow validates, stores and activates a subscription. ID and CreatedAt
// are assigned when empty.
func (m *Monitor) Follow(ctx context.Context, sub domain.CopyTradeSubscription) (*domain.CopyTradeSubscription, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if time.Duration(sub.DelaySeconds)*time.Second > m.cfg.MaxDelay {
		return nil, fmt.Errorf("%w: %ds", ErrDelayLimit, sub.DelaySeconds)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = m.now()
	}
	sub.IsActive = true

	if err := m.store.SaveSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	m.start(&sub)

	m.logger.Info("➕ Following wallet",
		zap.String("subscription_id", sub.ID),
		zap.String("owner_id", sub.OwnerID),
		zap.String("target", sub.TargetWallet),
		zap.Float64("ratio", sub.CopyRatio))

	out := sub
	return &out, nil
}

// Unfollow deactivates a subscription. A copy waiting out its delay is
// cancelled; a swap already submitted is not.
func (m *Monitor) Unfollow(ctx context.Context, ownerID, subscriptionID string) error {
	m.mu.Lock()
	f, ok := m.followers[subscriptionID]
	if ok && ownerID != "" && f.sub.OwnerID != ownerID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.deactivate(ctx, subscriptionID, "unfollowed")
}

// Subscriptions returns snapshots of the owner's active subscriptions; an
// empty owner returns all of them.
func (m *Monitor) Subscriptions(ownerID string) []domain.CopyTradeSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CopyTradeSubscription, 0, len(m.followers))
	for _, f := range m.followers {
		if ownerID == "" || f.sub.OwnerID == ownerID {
			out = append(out, *f.sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WalletCount is the number of upstream wallet subscriptions.
func (m *Monitor) WalletCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wallets)
}

// Shutdown stops every feed and follower.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Copy trading stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) start(s *domain.CopyTradeSubscription) {
	sub := *s

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	if _, ok := m.followers[sub.ID]; ok {
		return
	}

	fctx, fcancel := context.WithCancel(m.ctx)
	f := &follower{sub: &sub, queue: make(chan domain.WalletActivity, m.cfg.QueueSize), cancel: fcancel}
	m.followers[sub.ID] = f

	w, ok := m.wallets[sub.TargetWallet]
	if !ok {
		wctx, wcancel := context.WithCancel(m.ctx)
		w = &walletWatch{cancel: wcancel, followers: make(map[string]*follower)}
		m.wallets[sub.TargetWallet] = w
		m.wg.Add(1)
		go m.watchWallet(wctx, sub.TargetWallet)
	}
	w.followers[sub.ID] = f

	m.metrics.WatcherStarted(watcherKind)
	m.wg.Add(1)
	go m.runFollower(fctx, f)
}

// stop removes a follower and drops the wallet feed once nobody follows it.
func (m *Monitor) stop(id string) (*domain.CopyTradeSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.followers[id]
	if !ok {
		return nil, false
	}
	delete(m.followers, id)
	f.cancel()
	m.metrics.WatcherStopped(watcherKind)

	if w, ok := m.wallets[f.sub.TargetWallet]; ok {
		delete(w.followers, id)
		if len(w.followers) == 0 {
			w.cancel()
			delete(m.wallets, f.sub.TargetWallet)
		}
	}
	cp := *f.sub
	return &cp, true
}

func (m *Monitor) deactivate(ctx context.Context, id, reason string) error {
	sub, ok := m.stop(id)
	if !ok {
		return ErrNotFound
	}
	sub.IsActive = false
	if err := m.store.SaveSubscription(context.WithoutCancel(ctx), sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	m.logger.Info("➖ Subscription deactivated",
		zap.String("subscription_id", id),
		zap.String("owner_id", sub.OwnerID),
		zap.String("reason", reason))
	return nil
}

func (m *Monitor) watchWallet(ctx context.Context, wallet string) {
	defer m.wg.Done()
	err := m.feed.Watch(ctx, wallet, func(a domain.WalletActivity) {
		m.dispatch(wallet, a)
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Error("Wallet feed stopped", zap.String("wallet", wallet), zap.Error(err))
	}
}

// dispatch queues an activity for each follower of wallet, keeping order.
func (m *Monitor) dispatch(wallet string, a domain.WalletActivity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[wallet]
	if !ok {
		return
	}
	m.logger.Debug("Wallet activity",
		zap.String("wallet", wallet),
		zap.String("type", string(a.Type)),
		zap.String("token", a.TokenAddress),
		zap.Float64("sol", a.SolAmount),
		zap.Int("followers", len(w.followers)))

	for id, f := range w.followers {
		select {
		case f.queue <- a:
		default:
			m.metrics.CopyTrade("dropped")
			m.logger.Warn("Copy queue full, activity dropped",
				zap.String("subscription_id", id),
				zap.String("owner_id", f.sub.OwnerID),
				zap.String("target", wallet),
				zap.String("token", a.TokenAddress),
				zap.String("signature", a.Signature),
				zap.Int("queue_size", cap(f.queue)))
			m.publish(events.CopyDroppedEvent{
				BaseEvent:      events.NewBase(events.CopyTradeDropped, f.sub.OwnerID),
				SubscriptionID: id,
				TargetWallet:   wallet,
				TokenAddress:   a.TokenAddress,
				Signature:      a.Signature,
			})
		}
	}
}

func (m *Monitor) runFollower(ctx context.Context, f *follower) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-f.queue:
			if stop := m.process(ctx, f, a); stop {
				return
			}
		}
	}
}

// process copies one activity for one follower and reports whether the
// follower was deactivated.
func (m *Monitor) process(ctx context.Context, f *follower, a domain.WalletActivity) bool {
	m.mu.Lock()
	sub := *f.sub
	m.mu.Unlock()

	log := m.logger.With(
		zap.String("subscription_id", sub.ID),
		zap.String("owner_id", sub.OwnerID),
		zap.String("signature", a.Signature))

	plan, reason, ok := Plan(sub, a)
	if !ok {
		m.metrics.CopyTrade("skipped")
		log.Debug("Activity not copied", zap.String("reason", reason))
		return false
	}

	if delay := time.Duration(sub.DelaySeconds) * time.Second; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.metrics.CopyTrade("cancelled")
			log.Debug("Delayed copy cancelled")
			return true
		case <-timer.C:
		}
	}

	var (
		res trading.Result
		err error
	)
	switch plan.Kind {
	case domain.TradeBuy:
		res, err = m.trader.Buy(ctx, trading.BuyRequest{
			Source:       domain.SourceCopyTrade,
			OwnerID:      sub.OwnerID,
			TokenAddress: plan.TokenAddress,
			SolAmount:    plan.SolAmount,
		})
	case domain.TradeSell:
		pos, held := m.positions.FindOpen(sub.OwnerID, plan.TokenAddress)
		if !held {
			m.metrics.CopyTrade("skipped")
			log.Debug("No position to mirror sell", zap.String("token", plan.TokenAddress))
			return false
		}
		res, err = m.trader.Sell(ctx, trading.SellRequest{
			Source:     domain.SourceCopyTrade,
			OwnerID:    sub.OwnerID,
			PositionID: pos.ID,
			Fraction:   m.sellFraction(pos, plan.SolAmount),
			Reason:     domain.CloseCopyTrade,
		})
	}

	switch {
	case errors.Is(err, ledger.ErrBusy):
		m.metrics.CopyTrade("busy")
		return false
	case err != nil && res.Outcome.Status == "":
		m.metrics.CopyTrade("skipped")
		log.Warn("Copy not executed", zap.Error(err))
		return false
	}

	m.recordOutcome(ctx, f, res)
	m.metrics.CopyTrade(string(res.Outcome.Status))
	log.Info("🔁 Trade copied",
		zap.String("kind", string(plan.Kind)),
		zap.String("token", plan.TokenAddress),
		zap.Float64("sol", plan.SolAmount),
		zap.String("outcome", string(res.Outcome.Status)))

	if res.Outcome.Status == domain.OutcomeFailed &&
		executor.Classify(res.Outcome.Err) == executor.KindInsufficientBalance {
		m.publish(events.AutomationDeactivatedEvent{
			BaseEvent: events.NewBase(events.AutomationDeactivated, sub.OwnerID),
			Kind:      watcherKind,
			EntityID:  sub.ID,
			Reason:    res.Outcome.Error(),
		})
		if err := m.deactivate(ctx, sub.ID, "insufficient balance"); err != nil {
			log.Warn("Failed to deactivate subscription", zap.Error(err))
		}
		return true
	}
	return false
}

// sellFraction sizes a mirrored sell: the scaled SOL amount relative to the
// position's SOL value. Without a native price the whole position is sold.
func (m *Monitor) sellFraction(p *domain.Position, sol float64) float64 {
	md, ok := m.prices.LastKnown(p.TokenAddress)
	if !ok || md.PriceNative <= 0 || p.Amount <= 0 {
		return 1
	}
	value := p.Amount * md.PriceNative
	if sol >= value {
		return 1
	}
	return sol / value
}

// recordOutcome updates stats from what the swap actually did. A copy with
// an unknown outcome is counted once its signature settles.
func (m *Monitor) recordOutcome(ctx context.Context, f *follower, res trading.Result) {
	if res.Outcome.Status == domain.OutcomeUnknown && res.Outcome.Signature != "" {
		m.mu.Lock()
		if m.ctx.Err() == nil {
			m.wg.Add(1)
			go m.settle(f, res.Outcome.Signature)
		}
		m.mu.Unlock()
		return
	}
	m.applyStats(ctx, f, res.Outcome.Status, res.RealizedPnL)
}

// applyStats counts one settled copy: TotalCopied includes copies that
// failed or never confirmed, SuccessfulCopies only the confirmed ones.
func (m *Monitor) applyStats(ctx context.Context, f *follower, status domain.OutcomeStatus, realized float64) {
	m.mu.Lock()
	f.sub.Stats.TotalCopied++
	if status == domain.OutcomeSuccess {
		f.sub.Stats.SuccessfulCopies++
		f.sub.Stats.TotalPnL += realized
	}
	snapshot := *f.sub
	m.mu.Unlock()

	if err := m.store.SaveSubscription(context.WithoutCancel(ctx), &snapshot); err != nil {
		m.logger.Warn("Failed to save copy stats", zap.String("subscription_id", snapshot.ID), zap.Error(err))
	}
}

// settle polls an unknown copy until the chain gives a verdict or the
// window closes. PnL of a late-confirmed sell is left to the ledger.
func (m *Monitor) settle(f *follower, signature string) {
	defer m.wg.Done()
	log := m.logger.With(zap.String("subscription_id", f.sub.ID), zap.String("signature", signature))

	deadline := m.now().Add(m.cfg.ReconcileWindow)
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		outcome := m.trader.Reconcile(m.ctx, signature)
		switch outcome.Status {
		case domain.OutcomeSuccess, domain.OutcomeFailed:
			m.metrics.CopyTrade("settled_" + string(outcome.Status))
			log.Debug("Copy settled", zap.String("outcome", string(outcome.Status)))
			m.applyStats(m.ctx, f, outcome.Status, 0)
			return
		}
		if m.now().After(deadline) {
			m.metrics.CopyTrade("settled_unknown")
			log.Warn("Copy outcome still unknown, counted as not confirmed")
			m.applyStats(m.ctx, f, domain.OutcomeUnknown, 0)
			return
		}
	}
}

func (m *Monitor) publish(ev events.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ev); err != nil {
		m.logger.Debug("Event not published", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}
