// Package engine is the facade the command front end talks to. Every manual
// command is counted against a per-owner sliding window.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/automation"
	"github.com/rovshanmuradov/solana-trader/internal/copytrade"
	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/pnl"
	"github.com/rovshanmuradov/solana-trader/internal/ratelimit"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
	"github.com/rovshanmuradov/solana-trader/internal/trading"
)

var (
	// ErrRateLimited is returned when an owner exceeded the command window.
	ErrRateLimited = errors.New("too many requests, try again later")
	// ErrAnalyticsDisabled: no wallet analyzer is configured.
	ErrAnalyticsDisabled = errors.New("wallet analytics are not available")
)

const DefaultEmergencySlippage = 5.0

// Trader places buys and sells.
type Trader interface {
	Buy(ctx context.Context, req trading.BuyRequest) (trading.Result, error)
	Sell(ctx context.Context, req trading.SellRequest) (trading.Result, error)
}

// Follower manages copy-trade subscriptions.
type Follower interface {
	Follow(ctx context.Context, sub domain.CopyTradeSubscription) (*domain.CopyTradeSubscription, error)
	Unfollow(ctx context.Context, ownerID, id string) error
	Subscriptions(ownerID string) []domain.CopyTradeSubscription
}

// Sniper manages snipe criteria.
type Sniper interface {
	SetCriteria(ctx context.Context, c domain.SnipeCriteria) (*domain.SnipeCriteria, error)
	Disable(ctx context.Context, ownerID, id string) error
	Criteria(ownerID string) []domain.SnipeCriteria
}

// Alerts manages price alerts.
type Alerts interface {
	Add(ctx context.Context, alert domain.PriceAlert) (*domain.PriceAlert, error)
}

// Settings serves and updates owner preferences.
type Settings interface {
	Settings(ctx context.Context, ownerID string) domain.UserSettings
	Update(ctx context.Context, s domain.UserSettings) error
}

// WalletAnalyzer reports how a wallet has been trading.
type WalletAnalyzer interface {
	Analyze(ctx context.Context, wallet string) (copytrade.WalletStats, error)
}

// Store answers whether an automation was stored before.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*domain.CopyTradeSubscription, error)
	ListCriteria(ctx context.Context, activeOnly bool) ([]*domain.SnipeCriteria, error)
	ListAlerts(ctx context.Context, pendingOnly bool) ([]*domain.PriceAlert, error)
}

type Deps struct {
	Ledger   *ledger.Ledger
	Trader   Trader
	Follower Follower
	Sniper   Sniper
	Alerts   Alerts
	Settings Settings
	Store    Store
	Limiter  *ratelimit.KeyedLimiter
	Analyzer WalletAnalyzer
}

type Engine struct {
	deps              Deps
	emergencySlippage float64
	logger            *zap.Logger
}

func New(deps Deps, emergencySlippage float64, logger *zap.Logger) *Engine {
	if emergencySlippage <= 0 {
		emergencySlippage = DefaultEmergencySlippage
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewKeyedLimiter(0, 0)
	}
	return &Engine{deps: deps, emergencySlippage: emergencySlippage, logger: logger.Named("engine")}
}

func (e *Engine) allow(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner id is required", trading.ErrInvalidRequest)
	}
	if !e.deps.Limiter.Allow(ownerID) {
		e.logger.Debug("Command rate limited", zap.String("owner_id", ownerID))
		return ErrRateLimited
	}
	return nil
}

// Buy places a manual buy with the owner's slippage. TP and SL follow the
// owner's settings when the position is evaluated.
func (e *Engine) Buy(ctx context.Context, ownerID, token string, solAmount float64) (trading.Result, error) {
	if err := e.allow(ownerID); err != nil {
		return trading.Result{}, err
	}
	return e.deps.Trader.Buy(ctx, trading.BuyRequest{
		Source:       domain.SourceManual,
		OwnerID:      ownerID,
		TokenAddress: token,
		SolAmount:    solAmount,
	})
}

// Sell closes a position on the owner's request. A position whose lease is
// held by a firing trigger yields ledger.ErrBusy.
func (e *Engine) Sell(ctx context.Context, ownerID, positionID string) (trading.Result, error) {
	if err := e.allow(ownerID); err != nil {
		return trading.Result{}, err
	}
	return e.deps.Trader.Sell(ctx, trading.SellRequest{
		Source:     domain.SourceManual,
		OwnerID:    ownerID,
		PositionID: positionID,
		Fraction:   1,
		Reason:     domain.CloseManual,
	})
}

// EmergencyReport is the result of an emergency sell-all.
type EmergencyReport struct {
	Sold    []string          `json:"sold"`
	Pending []string          `json:"pending"`
	Failed  map[string]string `json:"failed"`
}

// EmergencySellAll sells every active position of the owner, one at a time,
// at the emergency slippage. It does not stop at the first failure.
func (e *Engine) EmergencySellAll(ctx context.Context, ownerID string) (EmergencyReport, error) {
	report := EmergencyReport{Failed: make(map[string]string)}
	if err := e.allow(ownerID); err != nil {
		return report, err
	}

	positions := e.deps.Ledger.ListOpen(ownerID)
	e.logger.Warn("🚨 Emergency sell-all",
		zap.String("owner_id", ownerID),
		zap.Int("positions", len(positions)),
		zap.Float64("slippage", e.emergencySlippage))

	for _, p := range positions {
		if ctx.Err() != nil {
			report.Failed[p.ID] = ctx.Err().Error()
			continue
		}
		res, err := e.deps.Trader.Sell(ctx, trading.SellRequest{
			Source:     domain.SourceEmergency,
			OwnerID:    ownerID,
			PositionID: p.ID,
			Fraction:   1,
			Slippage:   e.emergencySlippage,
			Reason:     domain.CloseEmergency,
		})
		switch {
		case err != nil:
			report.Failed[p.ID] = err.Error()
		case res.Outcome.Success():
			report.Sold = append(report.Sold, p.ID)
		case res.Outcome.Status == domain.OutcomeUnknown:
			report.Pending = append(report.Pending, p.ID)
		default:
			report.Failed[p.ID] = res.Outcome.Error()
		}
	}

	e.logger.Info("Emergency sell-all finished",
		zap.String("owner_id", ownerID),
		zap.Int("sold", len(report.Sold)),
		zap.Int("pending", len(report.Pending)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (e *Engine) Follow(ctx context.Context, sub domain.CopyTradeSubscription) (*domain.CopyTradeSubscription, error) {
	if err := e.allow(sub.OwnerID); err != nil {
		return nil, err
	}
	return e.deps.Follower.Follow(ctx, sub)
}

func (e *Engine) Unfollow(ctx context.Context, ownerID, subscriptionID string) error {
	if err := e.allow(ownerID); err != nil {
		return err
	}
	return e.deps.Follower.Unfollow(ctx, ownerID, subscriptionID)
}

func (e *Engine) Subscriptions(ownerID string) []domain.CopyTradeSubscription {
	return e.deps.Follower.Subscriptions(ownerID)
}

func (e *Engine) SetSnipeCriteria(ctx context.Context, c domain.SnipeCriteria) (*domain.SnipeCriteria, error) {
	if err := e.allow(c.OwnerID); err != nil {
		return nil, err
	}
	return e.deps.Sniper.SetCriteria(ctx, c)
}

// DisableSnipe disables one criteria set, or all of the owner's for an empty id.
func (e *Engine) DisableSnipe(ctx context.Context, ownerID, criteriaID string) error {
	if err := e.allow(ownerID); err != nil {
		return err
	}
	return e.deps.Sniper.Disable(ctx, ownerID, criteriaID)
}

func (e *Engine) SnipeCriteria(ownerID string) []domain.SnipeCriteria {
	return e.deps.Sniper.Criteria(ownerID)
}

func (e *Engine) AddPriceAlert(ctx context.Context, alert domain.PriceAlert) (*domain.PriceAlert, error) {
	if err := e.allow(alert.OwnerID); err != nil {
		return nil, err
	}
	return e.deps.Alerts.Add(ctx, alert)
}

func (e *Engine) Settings(ctx context.Context, ownerID string) domain.UserSettings {
	return e.deps.Settings.Settings(ctx, ownerID)
}

func (e *Engine) UpdateSettings(ctx context.Context, s domain.UserSettings) error {
	if err := e.allow(s.OwnerID); err != nil {
		return err
	}
	return e.deps.Settings.Update(ctx, s)
}

// WalletAnalytics summarizes the recent trading of a wallet, typically one
// the owner follows or considers following. Each call reads chain history,
// so it counts against the owner's command window.
func (e *Engine) WalletAnalytics(ctx context.Context, ownerID, wallet string) (copytrade.WalletStats, error) {
	if err := e.allow(ownerID); err != nil {
		return copytrade.WalletStats{}, err
	}
	if e.deps.Analyzer == nil {
		return copytrade.WalletStats{}, ErrAnalyticsDisabled
	}
	return e.deps.Analyzer.Analyze(ctx, wallet)
}

// Positions returns the owner's active positions.
func (e *Engine) Positions(_ context.Context, ownerID string) []*domain.Position {
	return e.deps.Ledger.ListOpen(ownerID)
}

// PnL summarizes every position the owner ever held.
func (e *Engine) PnL(ctx context.Context, ownerID string) (pnl.Summary, error) {
	all, err := e.deps.Ledger.ListAll(ctx, ownerID)
	if err != nil {
		return pnl.Summary{}, fmt.Errorf("list positions: %w", err)
	}
	return pnl.Summarize(all), nil
}

// Known implements automation.Applier.
func (e *Engine) Known(ctx context.Context, kind automation.Kind, id string) bool {
	switch kind {
	case automation.KindFollow:
		_, err := e.deps.Store.GetSubscription(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("Subscription lookup failed", zap.String("id", id), zap.Error(err))
		}
		return err == nil
	case automation.KindSnipe:
		list, err := e.deps.Store.ListCriteria(ctx, false)
		if err != nil {
			e.logger.Warn("Criteria lookup failed", zap.Error(err))
			return false
		}
		for _, c := range list {
			if c.ID == id {
				return true
			}
		}
	case automation.KindAlert:
		list, err := e.deps.Store.ListAlerts(ctx, false)
		if err != nil {
			e.logger.Warn("Alert lookup failed", zap.Error(err))
			return false
		}
		for _, a := range list {
			if a.ID == id {
				return true
			}
		}
	}
	return false
}

var (
	_ automation.Applier = (*Engine)(nil)
	_ Follower           = (*copytrade.Monitor)(nil)
)
