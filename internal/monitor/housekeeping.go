package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
)

// DefaultHousekeepingSchedule runs the stale sweep hourly (seconds field first).
const DefaultHousekeepingSchedule = "0 0 * * * *"

// LastKnownPrices returns cached prices without touching the network.
type LastKnownPrices interface {
	LastKnown(tokenAddress string) (domain.MarketData, bool)
}

// TradePruner drops old trade audit records.
type TradePruner interface {
	DeleteTradesBefore(ctx context.Context, before time.Time, status domain.TradeStatus) (int64, error)
}

// Unwatcher stops a position's watcher.
type Unwatcher interface {
	Unwatch(positionID string) bool
}

// Housekeeper force-closes positions older than the staleness horizon. It
// never looks up a fresh price: the close uses the cached price when there is
// one and otherwise leaves PnL unknown. With RetainTrades it also prunes old
// confirmed trade records.
type Housekeeper struct {
	ledger   *ledger.Ledger
	prices   LastKnownPrices
	watchers Unwatcher
	horizon  time.Duration
	schedule string
	logger   *zap.Logger
	now      func() time.Time

	trades    TradePruner
	retention time.Duration

	cron *cron.Cron
}

func NewHousekeeper(l *ledger.Ledger, prices LastKnownPrices, watchers Unwatcher, horizon time.Duration,
	schedule string, logger *zap.Logger) *Housekeeper {
	if horizon <= 0 {
		horizon = 365 * 24 * time.Hour
	}
	if schedule == "" {
		schedule = DefaultHousekeepingSchedule
	}
	return &Housekeeper{
		ledger:   l,
		prices:   prices,
		watchers: watchers,
		horizon:  horizon,
		schedule: schedule,
		logger:   logger.Named("housekeeping"),
		now:      time.Now,
	}
}

// RetainTrades enables pruning of confirmed trade records older than
// retention. Pending and failed records are kept for investigation.
func (h *Housekeeper) RetainTrades(trades TradePruner, retention time.Duration) {
	h.trades = trades
	h.retention = retention
}

// Start registers the sweep with the cron scheduler.
func (h *Housekeeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(h.schedule, func() {
		closed := h.RunOnce(ctx)
		if closed > 0 {
			h.logger.Info("🧹 Stale positions closed", zap.Int("count", closed))
		}
		pruned, err := h.PruneTrades(ctx)
		switch {
		case err != nil:
			h.logger.Warn("Trade retention sweep failed", zap.Error(err))
		case pruned > 0:
			h.logger.Info("🗑️ Old trade records removed", zap.Int64("count", pruned))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", h.schedule, err)
	}
	h.cron = c
	c.Start()

	h.logger.Info("Housekeeping scheduled",
		zap.String("schedule", h.schedule),
		zap.Duration("horizon", h.horizon),
		zap.Duration("trade_retention", h.retention))
	return nil
}

// Stop waits for a running sweep to finish, bounded by ctx.
func (h *Housekeeper) Stop(ctx context.Context) {
	if h.cron == nil {
		return
	}
	select {
	case <-h.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce closes every stale position and returns how many it closed.
// Positions whose lease is held are left for the next run.
func (h *Housekeeper) RunOnce(ctx context.Context) int {
	cutoff := h.now().Add(-h.horizon)
	closed := 0

	for _, p := range h.ledger.ListOpenOlderThan(cutoff) {
		if ctx.Err() != nil {
			break
		}
		err := h.ledger.WithLease(ctx, domain.SourceMonitor, p.OwnerID, p.TokenAddress, func(ctx context.Context) error {
			var lastKnown *float64
			if data, ok := h.prices.LastKnown(p.TokenAddress); ok && data.Price > 0 {
				price := data.Price
				lastKnown = &price
			}
			updated, err := h.ledger.ForceClose(ctx, p.ID, domain.CloseStale, lastKnown)
			if err != nil {
				return err
			}
			h.logger.Debug("Stale position closed",
				zap.String("position_id", p.ID),
				zap.String("owner_id", p.OwnerID),
				zap.Time("bought_at", p.BuyTimestamp),
				zap.Bool("pnl_unknown", updated.PnLUnknown))
			return nil
		})
		switch {
		case errors.Is(err, ledger.ErrBusy):
			continue
		case err != nil:
			h.logger.Warn("Stale close failed", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}

		if h.watchers != nil {
			h.watchers.Unwatch(p.ID)
		}
		closed++
	}
	return closed
}

// PruneTrades deletes confirmed trade records older than the retention
// period. It is a no-op until RetainTrades is called.
func (h *Housekeeper) PruneTrades(ctx context.Context) (int64, error) {
	if h.trades == nil || h.retention <= 0 {
		return 0, nil
	}
	cutoff := h.now().Add(-h.retention)
	n, err := h.trades.DeleteTradesBefore(ctx, cutoff, domain.TradeConfirmed)
	if err != nil {
		return 0, fmt.Errorf("prune trades before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}
