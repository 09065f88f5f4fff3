// internal/monitor/service.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/executor"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/logger"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/quote"
	"github.com/rovshanmuradov/solana-trader/internal/wallet"
)

const watcherKind = "position"

// PriceSource is the market data the monitor samples.
type PriceSource interface {
	GetMarketData(ctx context.Context, tokenAddress string) (*domain.MarketData, error)
	LastKnown(tokenAddress string) (domain.MarketData, bool)
}

// Trader executes sells and resolves unknown outcomes.
type Trader interface {
	Execute(ctx context.Context, intent domain.TradeIntent, signer executor.Signer) domain.SwapOutcome
	Reconcile(ctx context.Context, signature string) domain.SwapOutcome
}

// SettingsSource hands out per-owner settings snapshots.
type SettingsSource interface {
	Settings(ctx context.Context, ownerID string) domain.UserSettings
}

// Config of the position monitor.
type Config struct {
	Interval time.Duration
	// MissingPriceWarnAfter consecutive cycles without a price log a warning.
	MissingPriceWarnAfter int
	PriceTimeout          time.Duration
	// PendingExpiry is how long an unconfirmed sell may stay unknown before
	// it is treated as dropped. It must exceed the blockhash validity window.
	PendingExpiry time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:              15 * time.Second,
		MissingPriceWarnAfter: 5,
		PriceTimeout:          10 * time.Second,
		PendingExpiry:         2 * time.Minute,
	}
}

// Service runs one watcher goroutine per active position.
type Service struct {
	cfg       Config
	ledger    *ledger.Ledger
	prices    PriceSource
	trader    Trader
	settings  SettingsSource
	keyring   wallet.Keyring
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
}

// watcher is the state of one position's evaluation loop.
type watcher struct {
	positionID string
	ownerID    string
	token      string
	cancel     context.CancelFunc
	missing    int
}

func NewService(cfg Config, l *ledger.Ledger, prices PriceSource, trader Trader, settings SettingsSource,
	keyring wallet.Keyring, publisher events.Publisher, m *metrics.Collector, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MissingPriceWarnAfter <= 0 {
		cfg.MissingPriceWarnAfter = def.MissingPriceWarnAfter
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = def.PriceTimeout
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = def.PendingExpiry
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		ledger:    l,
		prices:    prices,
		trader:    trader,
		settings:  settings,
		keyring:   keyring,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("monitor_service"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		watchers:  make(map[string]*watcher),
	}
}

// Start attaches a watcher to every active position in the ledger.
func (s *Service) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	open := s.ledger.ListOpen("")
	for _, p := range open {
		s.Watch(p)
	}
	s.logger.Info("🚀 Position monitor started",
		zap.Int("positions", len(open)),
		zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Watch starts evaluating p. It reports false when p is inactive or already watched.
func (s *Service) Watch(p *domain.Position) bool {
	if p == nil || !p.IsActive() {
		return false
	}

	s.mu.Lock()
	if _, ok := s.watchers[p.ID]; ok || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w := &watcher{
		positionID: p.ID,
		ownerID:    p.OwnerID,
		token:      p.TokenAddress,
		cancel:     cancel,
	}
	s.watchers[p.ID] = w
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.WatcherStarted(watcherKind)
	s.publish(events.MonitoringEvent{
		BaseEvent: events.NewBase(events.MonitoringStarted, p.OwnerID),
		Kind:      watcherKind,
		EntityID:  p.ID,
	})
	s.logger.Info("📊 Watching position",
		zap.String("position_id", p.ID),
		zap.String("owner_id", p.OwnerID),
		zap.String("token", p.TokenAddress),
		zap.Float64("buy_price", p.BuyPrice))

	go s.run(ctx, w)
	return true
}

// Unwatch stops future cycles for a position. A sell already past submission
// still runs to its outcome.
func (s *Service) Unwatch(positionID string) bool {
	s.mu.Lock()
	w, ok := s.watchers[positionID]
	if ok {
		delete(s.watchers, positionID)
	}
	s.mu.Unlock()

	if ok {
		w.cancel()
	}
	return ok
}

// Watching reports whether a watcher runs for positionID.
func (s *Service) Watching(positionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[positionID]
	return ok
}

// Count returns the number of running watchers.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Handle keeps watchers in step with ledger events when subscribed to a bus.
func (s *Service) Handle(_ context.Context, event events.Event) error {
	pe, ok := event.(events.PositionEvent)
	if !ok || pe.Position == nil {
		return nil
	}
	switch pe.Type() {
	case events.PositionOpened:
		s.Watch(pe.Position)
	case events.PositionClosed:
		s.Unwatch(pe.Position.ID)
	}
	return nil
}

// Shutdown stops all watchers and waits for them, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for id, w := range s.watchers {
		w.cancel()
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("🛑 Position monitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor shutdown: %w", ctx.Err())
	}
}

func (s *Service) run(ctx context.Context, w *watcher) {
	defer s.wg.Done()
	defer s.finish(w)

	// первая проверка сразу
	if s.cycle(ctx, w) {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.cycle(ctx, w) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) finish(w *watcher) {
	s.mu.Lock()
	if cur, ok := s.watchers[w.positionID]; ok && cur == w {
		delete(s.watchers, w.positionID)
	}
	s.mu.Unlock()
	w.cancel()

	s.metrics.WatcherStopped(watcherKind)
	s.publish(events.MonitoringEvent{
		BaseEvent: events.NewBase(events.MonitoringStopped, w.ownerID),
		Kind:      watcherKind,
		EntityID:  w.positionID,
	})
	s.logger.Debug("Watcher stopped", zap.String("position_id", w.positionID))
}

// cycle runs one evaluation and reports whether the watcher should stop.
func (s *Service) cycle(ctx context.Context, w *watcher) bool {
	if ctx.Err() != nil {
		return true
	}
	log := logger.WithPosition(s.logger, w.positionID, w.token)

	p, err := s.ledger.Get(ctx, w.positionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return true
	}
	if err != nil {
		log.Warn("Failed to load position", zap.Error(err))
		return false
	}
	if !p.IsActive() {
		return true
	}

	if p.PendingSell != nil {
		return s.reconcilePending(ctx, p, log)
	}

	settings := s.settings.Settings(ctx, p.OwnerID)

	priceCtx, cancel := context.WithTimeout(ctx, s.cfg.PriceTimeout)
	data, err := s.prices.GetMarketData(priceCtx, p.TokenAddress)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		w.missing++
		if w.missing%s.cfg.MissingPriceWarnAfter == 0 {
			log.Warn("⚠️ Price unavailable",
				zap.Int("consecutive_cycles", w.missing),
				zap.Error(err))
		} else {
			log.Debug("Price unavailable, skipping cycle", zap.Error(err))
		}
		return false
	}
	w.missing = 0

	price := data.Price
	if price > p.HighestPrice {
		if err := s.ledger.UpdateHighest(ctx, p.ID, price); err != nil {
			log.Debug("Failed to update highest price", zap.Error(err))
		}
		p.HighestPrice = price
	}

	if !settings.AutoSell {
		return false
	}

	decision := Evaluate(p, settings, price)
	if !decision.Fired() {
		log.Debug("Position checked",
			zap.Float64("price", price),
			zap.Float64("change_pct", decision.ChangePct))
		return false
	}

	s.metrics.Trigger(string(decision.Trigger))
	log.Info("🎯 Exit condition triggered",
		zap.String("trigger", string(decision.Trigger)),
		zap.Float64("price", price),
		zap.Float64("level", decision.Level),
		zap.Float64("change_pct", decision.ChangePct))

	return s.sell(ctx, p, decision, settings.Slippage, log)
}

// sell runs one sell attempt under the execution lease. A held lease means
// another trigger is already executing, so the cycle is skipped.
func (s *Service) sell(ctx context.Context, p *domain.Position, d Decision, slippage float64, log *zap.Logger) bool {
	var stop bool
	err := s.ledger.WithLease(ctx, domain.SourceMonitor, p.OwnerID, p.TokenAddress, func(ctx context.Context) error {
		// после захвата аренды позиция могла измениться
		current, err := s.ledger.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		if !current.IsActive() {
			stop = true
			return nil
		}
		if current.PendingSell != nil {
			return nil
		}

		// the attempt is not cancelled by Unwatch once it has started
		execCtx := context.WithoutCancel(ctx)

		var outcome domain.SwapOutcome
		signer, err := s.keyring.Wallet(execCtx, current.OwnerID)
		if err != nil {
			outcome = domain.SwapOutcome{
				Status: domain.OutcomeFailed,
				Err:    fmt.Errorf("%w: %v", executor.ErrSigningFailure, err),
			}
		} else {
			intent := executor.SellIntent(domain.SourceMonitor, current, current.Amount, slippage)
			outcome = s.trader.Execute(execCtx, intent, signer)
		}

		stop = s.applyOutcome(execCtx, current, d.Reason(), d.Price, outcome, log)
		return nil
	})
	switch {
	case errors.Is(err, ledger.ErrBusy):
		return false
	case err != nil:
		log.Warn("Sell attempt aborted", zap.Error(err))
		return false
	}
	return stop
}

// applyOutcome records a sell outcome and reports whether watching should stop.
func (s *Service) applyOutcome(ctx context.Context, p *domain.Position, reason domain.CloseReason, price float64,
	outcome domain.SwapOutcome, log *zap.Logger) bool {
	switch outcome.Status {
	case domain.OutcomeSuccess:
		sold := soldAmount(p, outcome)
		updated, err := s.ledger.RecordSell(ctx, p.ID, price, sold, outcome.Signature, reason)
		if err != nil {
			// подтверждённая продажа без записи: оставляем её на сверку
			log.Error("Failed to record confirmed sell", zap.String("signature", outcome.Signature), zap.Error(err))
			s.markPending(ctx, p, outcome.Signature, sold, price, reason, log)
			return false
		}
		s.publishTrade(events.TradeExecuted, p, outcome.Signature, sold, string(reason))
		log.Info("💰 Position sold",
			zap.String("reason", string(reason)),
			zap.String("signature", outcome.Signature),
			zap.Float64("amount", sold),
			zap.Float64("pnl", updated.PnL),
			zap.Float64("pnl_pct", updated.PnLPercentage),
			zap.String("status", string(updated.Status)))
		return !updated.IsActive()

	case domain.OutcomeUnknown:
		s.markPending(ctx, p, outcome.Signature, p.Amount, price, reason, log)
		s.publishTrade(events.TradePendingVerification, p, outcome.Signature, p.Amount, outcome.Error())
		log.Warn("⏳ Sell pending verification", zap.String("signature", outcome.Signature))
		return false

	default:
		kind := executor.Classify(outcome.Err)
		s.publishTrade(events.TradeFailed, p, outcome.Signature, p.Amount, fmt.Sprintf("%s: %s", kind, outcome.Error()))
		log.Warn("❌ Sell failed", zap.String("kind", string(kind)), zap.Error(outcome.Err))

		if kind == executor.KindInsufficientBalance {
			s.publish(events.AutomationDeactivatedEvent{
				BaseEvent: events.NewBase(events.AutomationDeactivated, p.OwnerID),
				Kind:      watcherKind,
				EntityID:  p.ID,
				Reason:    outcome.Error(),
			})
			log.Warn("Monitoring deactivated", zap.String("reason", outcome.Error()))
			return true
		}
		return false
	}
}

// reconcilePending resolves a parked sell before anything else is tried.
func (s *Service) reconcilePending(ctx context.Context, p *domain.Position, log *zap.Logger) bool {
	var stop bool
	err := s.ledger.WithLease(ctx, domain.SourceMonitor, p.OwnerID, p.TokenAddress, func(ctx context.Context) error {
		current, err := s.ledger.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		if !current.IsActive() {
			stop = true
			return nil
		}
		pending := current.PendingSell
		if pending == nil {
			return nil
		}

		outcome := s.trader.Reconcile(ctx, pending.Signature)
		switch outcome.Status {
		case domain.OutcomeSuccess:
			sold := pending.Amount
			if outcome.InAmount > 0 {
				sold = soldAmount(current, outcome)
			}
			updated, err := s.ledger.RecordSell(ctx, current.ID, pending.Price, sold, pending.Signature, pending.Reason)
			if err != nil {
				return fmt.Errorf("record reconciled sell: %w", err)
			}
			s.publishTrade(events.TradeExecuted, current, pending.Signature, sold, string(pending.Reason))
			log.Info("✅ Pending sell confirmed",
				zap.String("signature", pending.Signature),
				zap.String("status", string(updated.Status)))
			stop = !updated.IsActive()

		case domain.OutcomeFailed:
			if err := s.ledger.ClearPending(ctx, current.ID); err != nil {
				return err
			}
			s.publishTrade(events.TradeFailed, current, pending.Signature, pending.Amount, outcome.Error())
			log.Warn("Pending sell failed on chain", zap.String("signature", pending.Signature))

		default:
			age := s.now().Sub(pending.SubmittedAt)
			if errors.Is(outcome.Err, executor.ErrConfirmationTimeout) && age > s.cfg.PendingExpiry {
				if err := s.ledger.ClearPending(ctx, current.ID); err != nil {
					return err
				}
				s.publishTrade(events.TradeFailed, current, pending.Signature, pending.Amount,
					"transaction not found after "+age.Round(time.Second).String())
				log.Warn("Pending sell expired", zap.String("signature", pending.Signature), zap.Duration("age", age))
				return nil
			}
			log.Debug("Sell still pending", zap.String("signature", pending.Signature), zap.Error(outcome.Err))
		}
		return nil
	})
	if err != nil && !errors.Is(err, ledger.ErrBusy) {
		log.Warn("Reconcile failed", zap.Error(err))
	}
	return stop
}

func (s *Service) markPending(ctx context.Context, p *domain.Position, signature string, amount, price float64,
	reason domain.CloseReason, log *zap.Logger) {
	if signature == "" {
		return
	}
	err := s.ledger.MarkPending(ctx, p.ID, domain.PendingSell{
		Signature:   signature,
		Amount:      amount,
		Price:       price,
		Reason:      reason,
		SubmittedAt: s.now(),
	})
	if err != nil {
		log.Error("Failed to park pending sell", zap.String("signature", signature), zap.Error(err))
	}
}

// soldAmount converts the token side of a sell outcome to UI units.
func soldAmount(p *domain.Position, outcome domain.SwapOutcome) float64 {
	decimals := outcome.TokenDecimals
	if decimals == 0 {
		decimals = p.TokenDecimals
	}
	if outcome.InAmount == 0 {
		return p.Amount
	}
	return quote.FromRaw(outcome.InAmount, decimals)
}

func (s *Service) publishTrade(t events.EventType, p *domain.Position, signature string, amount float64, reason string) {
	s.publish(events.TradeEvent{
		BaseEvent:    events.NewBase(t, p.OwnerID),
		Source:       domain.SourceMonitor,
		Kind:         domain.TradeSell,
		TokenAddress: p.TokenAddress,
		PositionID:   p.ID,
		Signature:    signature,
		TokenAmount:  amount,
		Reason:       reason,
	})
}

func (s *Service) publish(ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ev); err != nil {
		s.logger.Debug("Event not published", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}
