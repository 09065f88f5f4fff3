package automation

import (
	"context"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// Applier activates automations. Known reports whether an automation with
// this ID was stored before, in any state; known entries are left alone so a
// restart neither resets copy stats nor revives what an owner disabled.
type Applier interface {
	Known(ctx context.Context, kind Kind, id string) bool
	Follow(ctx context.Context, sub domain.CopyTradeSubscription) (*domain.CopyTradeSubscription, error)
	SetSnipeCriteria(ctx context.Context, c domain.SnipeCriteria) (*domain.SnipeCriteria, error)
	AddPriceAlert(ctx context.Context, a domain.PriceAlert) (*domain.PriceAlert, error)
}

// Result counts what Apply did.
type Result struct {
	Applied int
	Known   int
	Failed  []Invalid
}

// Apply activates every entry of the plan that the applier does not know yet.
// A failing entry is reported and does not stop the others.
func Apply(ctx context.Context, plan *Plan, applier Applier, logger *zap.Logger) Result {
	var res Result
	for _, inv := range plan.Invalid {
		logger.Warn("Skipping invalid automation",
			zap.String("kind", string(inv.Kind)),
			zap.Int("index", inv.Index),
			zap.Error(inv.Err))
	}

	step := func(kind Kind, index int, id string, fn func() error) {
		if applier.Known(ctx, kind, id) {
			res.Known++
			return
		}
		if err := fn(); err != nil {
			inv := Invalid{Kind: kind, Index: index, Err: err}
			res.Failed = append(res.Failed, inv)
			logger.Warn("Failed to apply automation", zap.String("id", id), zap.Error(inv))
			return
		}
		res.Applied++
	}

	for i, sub := range plan.Follows {
		sub := sub
		step(KindFollow, i, sub.ID, func() error {
			_, err := applier.Follow(ctx, sub)
			return err
		})
	}
	for i, c := range plan.Snipes {
		c := c
		step(KindSnipe, i, c.ID, func() error {
			_, err := applier.SetSnipeCriteria(ctx, c)
			return err
		})
	}
	for i, a := range plan.Alerts {
		a := a
		step(KindAlert, i, a.ID, func() error {
			_, err := applier.AddPriceAlert(ctx, a)
			return err
		})
	}

	logger.Info("📋 Automations applied",
		zap.Int("applied", res.Applied),
		zap.Int("known", res.Known),
		zap.Int("invalid", len(plan.Invalid)),
		zap.Int("failed", len(res.Failed)))
	return res
}
