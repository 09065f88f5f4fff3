package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 30 * time.Second

// StopFunc stops one service within ctx.
type StopFunc func(ctx context.Context) error

// ShutdownHandler stops registered services in reverse registration order, so
// consumers stop before the things they depend on.
type ShutdownHandler struct {
	logger   *zap.Logger
	services []namedService
	mu       sync.Mutex
	timeout  time.Duration
}

type namedService struct {
	name string
	stop StopFunc
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(logger *zap.Logger, timeout time.Duration) *ShutdownHandler {
	if timeout == 0 {
		timeout = DefaultShutdownTimeout
	}
	return &ShutdownHandler{
		logger:  logger.Named("shutdown"),
		timeout: timeout,
	}
}

// Add registers a service for shutdown
func (sh *ShutdownHandler) Add(name string, stop StopFunc) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.services = append(sh.services, namedService{name: name, stop: stop})
	sh.logger.Debug("Registered service for shutdown", zap.String("service", name))
}

// AddCloser registers an io.Closer.
func (sh *ShutdownHandler) AddCloser(name string, closer io.Closer) {
	sh.Add(name, func(context.Context) error { return closer.Close() })
}

// AddFunc registers a shutdown function that takes no context.
func (sh *ShutdownHandler) AddFunc(name string, fn func()) {
	sh.Add(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Shutdown stops every service within the handler timeout. A service that
// overruns is reported and the rest still get their turn.
func (sh *ShutdownHandler) Shutdown(ctx context.Context) error {
	sh.mu.Lock()
	services := make([]namedService, len(sh.services))
	copy(services, sh.services)
	sh.services = nil
	sh.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()

	sh.logger.Info("Starting graceful shutdown", zap.Int("services", len(services)))

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := sh.stopOne(ctx, svc); err != nil {
			sh.logger.Error("Failed to shutdown service", zap.String("service", svc.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", svc.name, err))
			continue
		}
		sh.logger.Debug("Service shutdown complete", zap.String("service", svc.name))
	}

	if len(errs) > 0 {
		sh.logger.Error("Shutdown completed with errors", zap.Int("errorCount", len(errs)))
		return errors.Join(errs...)
	}
	sh.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (sh *ShutdownHandler) stopOne(ctx context.Context, svc namedService) error {
	if ctx.Err() != nil {
		return fmt.Errorf("shutdown timeout")
	}
	done := make(chan error, 1)
	go func() {
		done <- svc.stop(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}
