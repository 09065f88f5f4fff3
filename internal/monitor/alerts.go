package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
)

const alertWatcherKind = "alert"

// AlertStore persists price alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, a *domain.PriceAlert) error
	ListAlerts(ctx context.Context, pendingOnly bool) ([]*domain.PriceAlert, error)
}

// Pricer resolves a current price.
type Pricer interface {
	GetMarketData(ctx context.Context, tokenAddress string) (*domain.MarketData, error)
}

// AlertService polls one task per pending alert. An alert fires at most once.
type AlertService struct {
	store     AlertStore
	prices    Pricer
	publisher events.Publisher
	metrics   *metrics.Collector
	interval  time.Duration
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	alerts map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewAlertService(store AlertStore, prices Pricer, publisher events.Publisher, m *metrics.Collector,
	interval time.Duration, logger *zap.Logger) *AlertService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AlertService{
		store:     store,
		prices:    prices,
		publisher: publisher,
		metrics:   m,
		interval:  interval,
		logger:    logger.Named("alerts"),
		ctx:       ctx,
		cancel:    cancel,
		alerts:    make(map[string]context.CancelFunc),
	}
}

// Start resumes polling for every pending alert in the store.
func (a *AlertService) Start(ctx context.Context) error {
	pending, err := a.store.ListAlerts(ctx, true)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	for _, alert := range pending {
		a.watch(alert)
	}
	a.logger.Info("🔔 Alert service started", zap.Int("alerts", len(pending)))
	return nil
}

// Add validates, stores and starts a new alert.
func (a *AlertService) Add(ctx context.Context, alert domain.PriceAlert) (*domain.PriceAlert, error) {
	if alert.OwnerID == "" || alert.TokenAddress == "" {
		return nil, errors.New("owner and token are required")
	}
	if alert.TargetPrice <= 0 {
		return nil, errors.New("target price must be positive")
	}
	if alert.Condition != domain.AlertAbove && alert.Condition != domain.AlertBelow {
		return nil, fmt.Errorf("unknown alert condition %q", alert.Condition)
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.Triggered = false
	alert.CreatedAt = time.Now()

	if err := a.store.SaveAlert(ctx, &alert); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	out := alert
	a.watch(&alert)
	return &out, nil
}

// Cancel stops polling an alert without firing it.
func (a *AlertService) Cancel(alertID string) bool {
	a.mu.Lock()
	cancel, ok := a.alerts[alertID]
	delete(a.alerts, alertID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown stops all alert tasks.
func (a *AlertService) Shutdown(ctx context.Context) error {
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AlertService) watch(alert *domain.PriceAlert) {
	if alert.Triggered {
		return
	}
	a.mu.Lock()
	if _, ok := a.alerts[alert.ID]; ok || a.ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.alerts[alert.ID] = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	a.metrics.WatcherStarted(alertWatcherKind)
	go a.run(ctx, *alert)
}

func (a *AlertService) run(ctx context.Context, alert domain.PriceAlert) {
	defer a.wg.Done()
	defer a.metrics.WatcherStopped(alertWatcherKind)
	defer func() {
		a.mu.Lock()
		delete(a.alerts, alert.ID)
		a.mu.Unlock()
	}()

	if a.check(ctx, &alert) {
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if a.check(ctx, &alert) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// check samples the price once and reports whether the alert fired.
func (a *AlertService) check(ctx context.Context, alert *domain.PriceAlert) bool {
	data, err := a.prices.GetMarketData(ctx, alert.TokenAddress)
	if err != nil {
		a.logger.Debug("Alert price unavailable",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return false
	}
	if !alert.Reached(data.Price) {
		return false
	}

	alert.Triggered = true
	if err := a.store.SaveAlert(context.WithoutCancel(ctx), alert); err != nil {
		a.logger.Warn("Failed to persist triggered alert", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	if a.publisher != nil {
		_ = a.publisher.Publish(events.PriceAlertEvent{
			BaseEvent:    events.NewBase(events.PriceAlertTriggered, alert.OwnerID),
			Alert:        *alert,
			CurrentPrice: data.Price,
		})
	}
	a.logger.Info("🔔 Price alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("owner_id", alert.OwnerID),
		zap.String("token", alert.TokenAddress),
		zap.String("condition", string(alert.Condition)),
		zap.Float64("target", alert.TargetPrice),
		zap.Float64("price", data.Price))
	return true
}
