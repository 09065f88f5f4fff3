// internal/trading/service.go
package trading

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
	"github.com/rovshanmuradov/solana-trader/internal/quote"
	"github.com/rovshanmuradov/solana-trader/internal/wallet"
)

var (
	ErrMaxPositions   = errors.New("max open positions reached")
	ErrNotOwner       = errors.New("position belongs to another owner")
	ErrSellPending    = errors.New("a sell for this position awaits verification")
	ErrBuyPending     = errors.New("a buy for this token awaits verification")
	ErrInvalidRequest = errors.New("invalid trade request")
)

// Executor runs swaps and resolves unknown outcomes.
type Executor interface {
	Execute(ctx context.Context, intent domain.TradeIntent, signer executor.Signer) domain.SwapOutcome
	Reconcile(ctx context.Context, signature string) domain.SwapOutcome
}

// Prices gives the USD and SOL prices used to value fills.
type Prices interface {
	GetMarketData(ctx context.Context, tokenAddress string) (*domain.MarketData, error)
	LastKnown(tokenAddress string) (domain.MarketData, bool)
}

// SettingsSource hands out per-owner settings snapshots.
type SettingsSource interface {
	Settings(ctx context.Context, ownerID string) domain.UserSettings
}

type Config struct {
	// ReconcileInterval and ReconcileWindow bound the background check of a
	// buy whose confirmation timed out.
	ReconcileInterval time.Duration
	ReconcileWindow   time.Duration
	PriceTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 5 * time.Second,
		ReconcileWindow:   2 * time.Minute,
		PriceTimeout:      10 * time.Second,
	}
}

// BuyRequest spends SolAmount on TokenAddress for OwnerID.
type BuyRequest struct {
	Source       domain.TradeSource
	OwnerID      string
	TokenAddress string
	SolAmount    float64
	// Slippage in percent; zero uses the owner's setting.
	Slippage        float64
	TakeProfitPrice *float64
	StopLossPrice   *float64
	TrailingStopPct float64
}

// SellRequest sells a fraction of one position.
type SellRequest struct {
	Source     domain.TradeSource
	OwnerID    string
	PositionID string
	// Fraction of the current amount; zero or >= 1 sells everything.
	Fraction float64
	Slippage float64
	Reason   domain.CloseReason
}

// Result is what one trade produced. Position is set when the ledger recorded
// the trade; RealizedPnL is the PnL added by a recorded sell.
type Result struct {
	Outcome     domain.SwapOutcome
	Position    *domain.Position
	RealizedPnL float64
}

// Service executes buys and sells under the execution lease and keeps the
// ledger in step with their outcomes.
type Service struct {
	cfg       Config
	ledger    *ledger.Ledger
	exec      Executor
	prices    Prices
	settings  SettingsSource
	keyring   wallet.Keyring
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pendingBuys: owner -> tokens with a submitted buy still being reconciled.
	mu          sync.Mutex
	pendingBuys map[string]map[string]string
}

func NewService(cfg Config, l *ledger.Ledger, exec Executor, prices Prices, settings SettingsSource,
	keyring wallet.Keyring, publisher events.Publisher, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = def.ReconcileWindow
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = def.PriceTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		ledger:    l,
		exec:      exec,
		prices:    prices,
		settings:  settings,
		keyring:   keyring,
		publisher: publisher,
		logger:    logger.Named("trading_service"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,

		pendingBuys: make(map[string]map[string]string),
	}
}

// Buy executes a buy and opens a position for the filled amount. ledger.ErrBusy
// means another execution for the same owner and token is running. A failed
// swap is not an error: it is reported in Result.Outcome.
func (s *Service) Buy(ctx context.Context, req BuyRequest) (Result, error) {
	if req.OwnerID == "" || req.TokenAddress == "" || req.SolAmount <= 0 {
		return Result{}, fmt.Errorf("%w: owner, token and a positive amount are required", ErrInvalidRequest)
	}
	settings := s.settings.Settings(ctx, req.OwnerID)
	if req.Slippage <= 0 {
		req.Slippage = settings.Slippage
	}

	defer logger.TrackPerformance(s.logger, "buy")()
	log := logger.WithOperation(logger.WithOwner(s.logger, req.OwnerID), "buy").With(
		zap.String("token", req.TokenAddress),
		zap.String("source", string(req.Source)))

	var res Result
	err := s.ledger.WithLease(ctx, req.Source, req.OwnerID, req.TokenAddress, func(ctx context.Context) error {
		if sig, ok := s.pendingBuy(req.OwnerID, req.TokenAddress); ok {
			return fmt.Errorf("%w: %s", ErrBuyPending, sig)
		}
		// неподтверждённая покупка тоже занимает слот
		open := s.ledger.CountOpen(req.OwnerID) + s.pendingBuyCount(req.OwnerID)
		if open >= settings.MaxPositions {
			return fmt.Errorf("%w: %d of %d", ErrMaxPositions, open, settings.MaxPositions)
		}

		// после отправки транзакции отмена вызывающего уже ничего не меняет
		execCtx := context.WithoutCancel(ctx)
		intent := executor.BuyIntent(req.Source, req.OwnerID, req.TokenAddress, req.SolAmount, req.Slippage)
		res.Outcome = s.execute(execCtx, intent)

		switch res.Outcome.Status {
		case domain.OutcomeSuccess:
			p, err := s.openFromOutcome(execCtx, req, res.Outcome)
			if err != nil {
				return err
			}
			res.Position = p
			s.publishTrade(events.TradeExecuted, req.Source, req.OwnerID, domain.TradeBuy, req.TokenAddress, p.ID,
				res.Outcome.Signature, quote.FromRaw(res.Outcome.InAmount, quote.SOLDecimals), p.Amount, "")
			log.Info("🛒 Buy recorded", zap.String("position_id", p.ID), zap.Float64("amount", p.Amount))

		case domain.OutcomeUnknown:
			s.publishTrade(events.TradePendingVerification, req.Source, req.OwnerID, domain.TradeBuy, req.TokenAddress, "",
				res.Outcome.Signature, req.SolAmount, 0, res.Outcome.Error())
			if res.Outcome.Signature != "" {
				s.addPendingBuy(req.OwnerID, req.TokenAddress, res.Outcome.Signature)
				s.wg.Add(1)
				go s.awaitBuy(req, res.Outcome)
			}

		default:
			s.publishTrade(events.TradeFailed, req.Source, req.OwnerID, domain.TradeBuy, req.TokenAddress, "",
				res.Outcome.Signature, req.SolAmount, 0, failureReason(res.Outcome))
		}
		return nil
	})
	return res, err
}

// Sell executes a sell of one position and records it. An unknown outcome
// parks the position until the signature is reconciled.
func (s *Service) Sell(ctx context.Context, req SellRequest) (Result, error) {
	p, err := s.ledger.Get(ctx, req.PositionID)
	if err != nil {
		return Result{}, err
	}
	if req.OwnerID != "" && p.OwnerID != req.OwnerID {
		return Result{}, ErrNotOwner
	}
	if req.Reason == "" {
		req.Reason = domain.CloseManual
	}
	if req.Slippage <= 0 {
		req.Slippage = s.settings.Settings(ctx, p.OwnerID).Slippage
	}

	defer logger.TrackPerformance(s.logger, "sell")()
	log := logger.WithPosition(logger.WithOwner(s.logger, p.OwnerID), p.ID, p.TokenAddress).With(
		zap.String("source", string(req.Source)))

	var res Result
	err = s.ledger.WithLease(ctx, req.Source, p.OwnerID, p.TokenAddress, func(ctx context.Context) error {
		current, err := s.ledger.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		if !current.IsActive() {
			return fmt.Errorf("%w: %s", ledger.ErrPositionClosed, current.ID)
		}
		if current.PendingSell != nil {
			return ErrSellPending
		}

		amount := current.Amount
		if req.Fraction > 0 && req.Fraction < 1 {
			amount = current.Amount * req.Fraction
		}

		execCtx := context.WithoutCancel(ctx)
		res.Outcome = s.execute(execCtx, executor.SellIntent(req.Source, current, amount, req.Slippage))

		switch res.Outcome.Status {
		case domain.OutcomeSuccess:
			sold := amount
			if res.Outcome.InAmount > 0 {
				sold = quote.FromRaw(res.Outcome.InAmount, decimalsOf(current, res.Outcome))
			}
			solOut := quote.FromRaw(res.Outcome.OutAmount, quote.SOLDecimals)
			price := s.fillPrice(execCtx, current.TokenAddress, solOut, sold)

			updated, err := s.ledger.RecordSell(execCtx, current.ID, price, sold, res.Outcome.Signature, req.Reason)
			if err != nil {
				log.Error("Failed to record confirmed sell", zap.String("signature", res.Outcome.Signature), zap.Error(err))
				s.markPending(execCtx, current, res.Outcome.Signature, sold, price, req.Reason, log)
				return fmt.Errorf("record sell: %w", err)
			}
			res.Position = updated
			res.RealizedPnL = updated.PnL - current.PnL
			s.publishTrade(events.TradeExecuted, req.Source, current.OwnerID, domain.TradeSell, current.TokenAddress,
				current.ID, res.Outcome.Signature, solOut, sold, string(req.Reason))

		case domain.OutcomeUnknown:
			price := s.referencePrice(current.TokenAddress)
			s.markPending(execCtx, current, res.Outcome.Signature, amount, price, req.Reason, log)
			s.publishTrade(events.TradePendingVerification, req.Source, current.OwnerID, domain.TradeSell,
				current.TokenAddress, current.ID, res.Outcome.Signature, 0, amount, res.Outcome.Error())

		default:
			s.publishTrade(events.TradeFailed, req.Source, current.OwnerID, domain.TradeSell, current.TokenAddress,
				current.ID, res.Outcome.Signature, 0, amount, failureReason(res.Outcome))
		}
		return nil
	})
	return res, err
}

// Reconcile resolves a submitted signature to its final outcome.
func (s *Service) Reconcile(ctx context.Context, signature string) domain.SwapOutcome {
	return s.exec.Reconcile(ctx, signature)
}

// PendingBuys is the number of the owner's submitted buys that still await
// verification.
func (s *Service) PendingBuys(ownerID string) int {
	return s.pendingBuyCount(ownerID)
}

// Shutdown stops background buy reconciliation.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) execute(ctx context.Context, intent domain.TradeIntent) domain.SwapOutcome {
	signer, err := s.keyring.Wallet(ctx, intent.OwnerID)
	if err != nil {
		return domain.SwapOutcome{
			Status: domain.OutcomeFailed,
			Err:    fmt.Errorf("%w: %v", executor.ErrSigningFailure, err),
		}
	}
	return s.exec.Execute(ctx, intent, signer)
}

// awaitBuy polls an unknown buy until it lands, fails or the window closes.
func (s *Service) awaitBuy(req BuyRequest, submitted domain.SwapOutcome) {
	defer s.wg.Done()
	// Slot is held until the position exists or the buy is known to have failed.
	defer s.removePendingBuy(req.OwnerID, req.TokenAddress)
	log := s.logger.With(zap.String("owner_id", req.OwnerID), zap.String("signature", submitted.Signature))

	deadline := s.now().Add(s.cfg.ReconcileWindow)
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		outcome := s.exec.Reconcile(s.ctx, submitted.Signature)
		switch outcome.Status {
		case domain.OutcomeSuccess:
			// суммы берём из исходной котировки
			outcome.InAmount, outcome.OutAmount, outcome.TokenDecimals =
				submitted.InAmount, submitted.OutAmount, submitted.TokenDecimals
			p, err := s.openFromOutcome(s.ctx, req, outcome)
			if err != nil {
				log.Error("Failed to open position for reconciled buy", zap.Error(err))
				return
			}
			s.publishTrade(events.TradeExecuted, req.Source, req.OwnerID, domain.TradeBuy, req.TokenAddress, p.ID,
				submitted.Signature, quote.FromRaw(submitted.InAmount, quote.SOLDecimals), p.Amount, "")
			log.Info("✅ Pending buy confirmed", zap.String("position_id", p.ID))
			return

		case domain.OutcomeFailed:
			s.publishTrade(events.TradeFailed, req.Source, req.OwnerID, domain.TradeBuy, req.TokenAddress, "",
				submitted.Signature, req.SolAmount, 0, outcome.Error())
			log.Warn("Pending buy failed on chain")
			return
		}

		if s.now().After(deadline) {
			s.publishTrade(events.TradeFailed, req.Source, req.OwnerID, domain.TradeBuy, req.TokenAddress, "",
				submitted.Signature, req.SolAmount, 0, "transaction not found after "+s.cfg.ReconcileWindow.String())
			log.Warn("Pending buy expired")
			return
		}
	}
}

func (s *Service) pendingBuy(ownerID, token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.pendingBuys[ownerID][token]
	return sig, ok
}

func (s *Service) pendingBuyCount(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingBuys[ownerID])
}

func (s *Service) addPendingBuy(ownerID, token, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.pendingBuys[ownerID]
	if !ok {
		tokens = make(map[string]string)
		s.pendingBuys[ownerID] = tokens
	}
	tokens[token] = signature
}

func (s *Service) removePendingBuy(ownerID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingBuys[ownerID], token)
	if len(s.pendingBuys[ownerID]) == 0 {
		delete(s.pendingBuys, ownerID)
	}
}

func (s *Service) openFromOutcome(ctx context.Context, req BuyRequest, outcome domain.SwapOutcome) (*domain.Position, error) {
	amount := quote.FromRaw(outcome.OutAmount, outcome.TokenDecimals)
	solIn := quote.FromRaw(outcome.InAmount, quote.SOLDecimals)
	if solIn == 0 {
		solIn = req.SolAmount
	}

	p, err := s.ledger.Open(ctx, ledger.OpenParams{
		OwnerID:         req.OwnerID,
		TokenAddress:    req.TokenAddress,
		Amount:          amount,
		TokenDecimals:   outcome.TokenDecimals,
		BuyPrice:        s.fillPrice(ctx, req.TokenAddress, solIn, amount),
		Signature:       outcome.Signature,
		TakeProfitPrice: req.TakeProfitPrice,
		StopLossPrice:   req.StopLossPrice,
		TrailingStopPct: req.TrailingStopPct,
	})
	if err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}
	return p, nil
}

// fillPrice values a fill in USD per token. The SOL paid per token is
// converted with the oracle's USD/SOL ratio; without a native price the
// oracle's USD price is used as is.
func (s *Service) fillPrice(ctx context.Context, token string, sol, tokens float64) float64 {
	md, ok := s.marketData(ctx, token)
	if !ok {
		return 0
	}
	if md.PriceNative > 0 && sol > 0 && tokens > 0 {
		return sol / tokens * (md.Price / md.PriceNative)
	}
	return md.Price
}

func (s *Service) referencePrice(token string) float64 {
	if md, ok := s.prices.LastKnown(token); ok {
		return md.Price
	}
	return 0
}

func (s *Service) marketData(ctx context.Context, token string) (domain.MarketData, bool) {
	priceCtx, cancel := context.WithTimeout(ctx, s.cfg.PriceTimeout)
	defer cancel()
	md, err := s.prices.GetMarketData(priceCtx, token)
	if err == nil && md != nil && md.Price > 0 {
		return *md, true
	}
	if cached, ok := s.prices.LastKnown(token); ok && cached.Price > 0 {
		return cached, true
	}
	s.logger.Debug("No price to value fill", zap.String("token", token), zap.Error(err))
	return domain.MarketData{}, false
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

func (s *Service) publishTrade(t events.EventType, source domain.TradeSource, ownerID string, kind domain.TradeKind,
	token, positionID, signature string, sol, tokens float64, reason string) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(events.TradeEvent{
		BaseEvent:    events.NewBase(t, ownerID),
		Source:       source,
		Kind:         kind,
		TokenAddress: token,
		PositionID:   positionID,
		Signature:    signature,
		SolAmount:    sol,
		TokenAmount:  tokens,
		Reason:       reason,
	})
	if err != nil {
		s.logger.Debug("Event not published", zap.String("type", string(t)), zap.Error(err))
	}
}

func decimalsOf(p *domain.Position, outcome domain.SwapOutcome) uint8 {
	if outcome.TokenDecimals != 0 {
		return outcome.TokenDecimals
	}
	return p.TokenDecimals
}

func failureReason(outcome domain.SwapOutcome) string {
	return fmt.Sprintf("%s: %s", executor.Classify(outcome.Err), outcome.Error())
}
