// Package api serves the read-only reporting API: health, metrics, positions,
// PnL, wallet analytics, event history and the live event stream of the
// token's owner.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/copytrade"
	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/engine"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/pnl"
)

// Reader is the engine view the API reads from.
type Reader interface {
	Positions(ctx context.Context, ownerID string) []*domain.Position
	PnL(ctx context.Context, ownerID string) (pnl.Summary, error)
	WalletAnalytics(ctx context.Context, ownerID, wallet string) (copytrade.WalletStats, error)
}

// History keeps recent events per owner.
type History interface {
	ForOwner(ownerID string) []events.Event
}

// Subscriber is the bus the stream attaches to.
type Subscriber interface {
	Subscribe(eventType events.EventType, handler events.Handler) events.Subscription
}

type Config struct {
	Addr      string
	JWTSecret string
	// RequestTimeout bounds the JSON endpoints; the stream is not bounded.
	RequestTimeout time.Duration
}

type Server struct {
	cfg      Config
	reader   Reader
	history  History
	bus      Subscriber
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewServer(cfg Config, reader Reader, history History, bus Subscriber, gatherer prometheus.Gatherer,
	logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		reader:   reader,
		history:  history,
		bus:      bus,
		gatherer: gatherer,
		logger:   logger.Named("api"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if s.cfg.JWTSecret == "" {
		s.logger.Warn("JWT secret is not set, owner endpoints are disabled")
		return r
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			r.Get("/positions", s.handlePositions)
			r.Get("/pnl", s.handlePnL)
			r.Get("/events", s.handleEvents)
			r.Get("/wallets/{wallet}/analytics", s.handleWalletAnalytics)
		})
		r.Get("/stream", s.handleStream)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("🌐 API listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API остановлен")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFrom(r.Context())
	positions := s.reader.Positions(r.Context(), owner)
	if positions == nil {
		positions = []*domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reader.PnL(r.Context(), OwnerFrom(r.Context()))
	if err != nil {
		s.logger.Error("PnL query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "pnl unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleWalletAnalytics(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	stats, err := s.reader.WalletAnalytics(r.Context(), OwnerFrom(r.Context()), wallet)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, stats)
	case errors.Is(err, copytrade.ErrInvalidWallet):
		writeError(w, http.StatusBadRequest, "invalid wallet address")
	case errors.Is(err, engine.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrAnalyticsDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Warn("Wallet analytics failed", zap.String("wallet", wallet), zap.Error(err))
		writeError(w, http.StatusBadGateway, "wallet history unavailable")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	list := s.history.ForOwner(OwnerFrom(r.Context()))
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
