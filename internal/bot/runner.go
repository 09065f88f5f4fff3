// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-trader/internal/config"
)

const limiterCleanupInterval = time.Minute

type Runner struct {
	logger *zap.Logger
	config *config.Config
}

// NewRunner NewRunner: принимает cfg и logger
func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger,
		config: cfg,
	}
}

// Run builds the engine, serves until SIGINT/SIGTERM or a fatal server error,
// then shuts everything down.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, r.config, r.logger)
	if err != nil {
		return err
	}

	runErr := r.serve(ctx, app)
	if ctx.Err() != nil {
		r.logger.Info("📡 Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, app.Stop(shutdownCtx))
}

func (r *Runner) serve(ctx context.Context, app *App) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.API.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(limiterCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := app.Limiter.Cleanup(); n > 0 {
					r.logger.Debug("Rate limiter entries dropped", zap.Int("count", n))
				}
			}
		}
	})
	return g.Wait()
}
