// internal/bot/app.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/analytics"
	"github.com/rovshanmuradov/solana-trader/internal/api"
	"github.com/rovshanmuradov/solana-trader/internal/automation"
	"github.com/rovshanmuradov/solana-trader/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-trader/internal/chainfeed"
	"github.com/rovshanmuradov/solana-trader/internal/config"
	"github.com/rovshanmuradov/solana-trader/internal/copytrade"
	"github.com/rovshanmuradov/solana-trader/internal/engine"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/executor"
	"github.com/rovshanmuradov/solana-trader/internal/export"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/monitor"
	"github.com/rovshanmuradov/solana-trader/internal/oracle"
	"github.com/rovshanmuradov/solana-trader/internal/quote"
	"github.com/rovshanmuradov/solana-trader/internal/ratelimit"
	"github.com/rovshanmuradov/solana-trader/internal/settings"
	"github.com/rovshanmuradov/solana-trader/internal/sniping"
	"github.com/rovshanmuradov/solana-trader/internal/storage"
	"github.com/rovshanmuradov/solana-trader/internal/storage/memory"
	"github.com/rovshanmuradov/solana-trader/internal/storage/postgres"
	"github.com/rovshanmuradov/solana-trader/internal/storage/redis"
	"github.com/rovshanmuradov/solana-trader/internal/trading"
	"github.com/rovshanmuradov/solana-trader/internal/wallet"
)

// App holds every engine component wired from configuration.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Registry *prometheus.Registry
	Bus      *events.Bus
	History  *events.Recorder
	Store    storage.Storage
	Ledger   *ledger.Ledger
	Oracle   *oracle.Oracle
	Trading  *trading.Service
	Monitor  *monitor.Service
	Alerts   *monitor.AlertService
	Cleaner  *monitor.Housekeeper
	Copy     *copytrade.Monitor
	Sniper   *sniping.Sniper
	Reporter *analytics.Reporter
	Engine   *engine.Engine
	API      *api.Server
	Limiter  *ratelimit.KeyedLimiter

	shutdown *ShutdownHandler
}

// NewApp builds the component graph. Resources opened here are registered
// for shutdown as they are created, so a failure part way releases them.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		shutdown: NewShutdownHandler(logger, 0),
	}
	defer func() {
		if err != nil {
			_ = a.shutdown.Shutdown(context.Background())
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(a.Registry)

	a.Bus = events.NewBus(logger, 1024)
	a.shutdown.AddCloser("event_bus", a.Bus)
	a.History = events.NewRecorder(1000)
	a.Bus.Subscribe(events.AllEvents, a.History)

	if a.Store, err = openStore(ctx, cfg.Storage, logger); err != nil {
		return nil, err
	}
	a.shutdown.AddFunc("store", a.Store.Close)

	var leases ledger.LeaseStore = ledger.NewMemoryLeaseStore()
	if cfg.Redis.Enabled {
		rl, err := redis.NewLeaseStore(ctx, redis.Config{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.shutdown.AddCloser("redis", rl)
		leases = rl
	}

	keyring, err := openKeyring(cfg, logger)
	if err != nil {
		return nil, err
	}

	buckets := ratelimit.NewRegistry()
	rpcBucket := buckets.Register(ratelimit.NewBucket("rpc", float64(cfg.RPC.RequestsPerSecond), cfg.RPC.RequestsPerSecond, 0))
	jupBucket := buckets.Register(ratelimit.NewBucket("jupiter", cfg.Jupiter.RPS, cfg.Jupiter.Burst, cfg.Jupiter.MaxWait()))
	dexBucket := buckets.Register(ratelimit.NewBucket("dexscreener", cfg.DexScreener.RPS, cfg.DexScreener.Burst, cfg.DexScreener.MaxWait()))

	chain := solbc.NewClient(cfg.RPC.URL, rpcBucket, logger)
	a.Oracle = oracle.New(oracle.Config{BaseURL: cfg.DexScreener.URL, Timeout: cfg.DexScreener.Timeout()}, dexBucket, m, logger)
	router := quote.NewRouter(quote.Config{
		BaseURL:  cfg.Jupiter.URL,
		Timeout:  cfg.Jupiter.Timeout(),
		QuoteTTL: cfg.Jupiter.QuoteTTL(),
	}, jupBucket, m, logger)

	var journal executor.Journal
	if cfg.Analytics.JournalFile != "" {
		j, err := export.NewJournal(cfg.Analytics.JournalFile, logger)
		if err != nil {
			return nil, err
		}
		a.shutdown.AddCloser("journal", j)
		journal = j
	}

	exec := executor.New(executor.Config{
		MaxAttempts:       cfg.Executor.MaxAttempts,
		BaseBackoff:       cfg.Executor.BaseBackoff(),
		ConfirmTimeout:    cfg.Executor.ConfirmTimeout(),
		PollInterval:      cfg.Executor.PollInterval(),
		MaxPriceImpactPct: cfg.Executor.MaxPriceImpactPct,
	}, chain, router, a.Oracle, executor.Options{Trades: a.Store, Journal: journal, Metrics: m}, logger)

	a.Ledger = ledger.New(a.Store, leases, ledger.Options{LeaseTTL: cfg.Ledger.LeaseTTL(), Publisher: a.Bus, Metrics: m}, logger)
	if err := a.Ledger.Load(ctx); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	prefs := settings.NewProvider(a.Store, logger)
	a.Trading = trading.NewService(trading.DefaultConfig(), a.Ledger, exec, a.Oracle, prefs, keyring, a.Bus, logger)

	a.Monitor = monitor.NewService(monitor.Config{
		Interval:              cfg.Monitor.Interval(),
		MissingPriceWarnAfter: cfg.Monitor.MissingPriceWarnAfter,
	}, a.Ledger, a.Oracle, exec, prefs, keyring, a.Bus, m, logger)
	a.Bus.Subscribe(events.PositionOpened, a.Monitor)
	a.Bus.Subscribe(events.PositionClosed, a.Monitor)

	a.Alerts = monitor.NewAlertService(a.Store, a.Oracle, a.Bus, m, cfg.Alerts.Interval(), logger)
	a.Cleaner = monitor.NewHousekeeper(a.Ledger, a.Oracle, a.Monitor, cfg.Monitor.StaleHorizon(), cfg.Monitor.HousekeepingCron, logger)
	a.Cleaner.RetainTrades(a.Store, cfg.Monitor.TradeRetention())

	parser, ok := chainfeed.ParserByName(cfg.CopyTrade.Parser)
	if !ok {
		return nil, fmt.Errorf("unknown copy-trade parser %q", cfg.CopyTrade.Parser)
	}
	feed := chainfeed.NewActivitySource(chainfeed.NewWSFeed(chainfeed.DefaultConfig(cfg.RPC.WebSocketURL), logger), chain, parser, logger)
	a.Copy = copytrade.NewMonitor(copytrade.Config{
		MaxDelay:  time.Duration(cfg.CopyTrade.MaxDelaySeconds) * time.Second,
		QueueSize: cfg.CopyTrade.QueueSize,
	}, a.Store, feed, a.Trading, a.Ledger, a.Oracle, a.Bus, m, logger)

	a.Sniper = sniping.NewSniper(sniping.Config{Interval: cfg.Snipe.Interval()}, a.Store, a.Oracle, a.Oracle, chain,
		a.Trading, a.Bus, m, logger)

	a.Reporter = analytics.NewReporter(a.Ledger, a.Store, export.NewTradeExporter(logger), cfg.Analytics.ExportDir,
		cfg.Analytics.Cron, logger)

	a.Limiter = ratelimit.NewKeyedLimiter(cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests)
	a.Engine = engine.New(engine.Deps{
		Ledger:   a.Ledger,
		Trader:   a.Trading,
		Follower: a.Copy,
		Sniper:   a.Sniper,
		Alerts:   a.Alerts,
		Settings: prefs,
		Store:    a.Store,
		Limiter:  a.Limiter,
		Analyzer: copytrade.NewAnalyzer(chainfeed.NewHistory(chain, logger), cfg.CopyTrade.AnalyticsDepth, logger),
	}, cfg.Executor.EmergencySlippage, logger)

	a.API = api.NewServer(api.Config{Addr: cfg.HTTP.Addr, JWTSecret: cfg.HTTP.JWTSecret}, a.Engine, a.History, a.Bus,
		a.Registry, logger)
	return a, nil
}

// Start launches the background services and registers them for shutdown.
// Trading stops first, then the automations that feed it, then the monitor.
func (a *App) Start(ctx context.Context) error {
	steps := []struct {
		name  string
		start func(context.Context) error
		stop  StopFunc
	}{
		{"analytics", a.Reporter.Start, func(ctx context.Context) error { a.Reporter.Stop(ctx); return nil }},
		{"housekeeping", a.Cleaner.Start, func(ctx context.Context) error { a.Cleaner.Stop(ctx); return nil }},
		{"position_monitor", a.Monitor.Start, a.Monitor.Shutdown},
		{"alerts", a.Alerts.Start, a.Alerts.Shutdown},
		{"copytrade", a.Copy.Start, a.Copy.Shutdown},
		{"sniper", a.Sniper.Start, a.Sniper.Shutdown},
		{"trading", func(context.Context) error { return nil }, a.Trading.Shutdown},
	}
	for _, s := range steps {
		if err := s.start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.name, err)
		}
		a.shutdown.Add(s.name, s.stop)
	}
	if a.cfg.AutomationsFile != "" {
		plan, err := automation.Load(a.cfg.AutomationsFile, a.logger)
		if err != nil {
			return err
		}
		automation.Apply(ctx, plan, a.Engine, a.logger)
	}

	a.logger.Info("✅ All services started",
		zap.Int("open_positions", len(a.Ledger.ListOpen(""))),
		zap.Int("watched_wallets", a.Copy.WalletCount()))
	return nil
}

// Stop releases everything in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx)
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("Using in-memory storage, state is lost on restart")
		return memory.New(), nil
	case "postgres":
		pg, err := postgres.New(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func openKeyring(cfg *config.Config, logger *zap.Logger) (wallet.Keyring, error) {
	var chain wallet.ChainKeyring
	if cfg.WalletsFile != "" {
		file, owners, err := wallet.LoadWallets(cfg.WalletsFile)
		switch {
		case err == nil:
			logger.Info("🔑 Wallets loaded", zap.Int("owners", len(owners)))
			chain = append(chain, file)
		case !cfg.Vault.Enabled:
			return nil, fmt.Errorf("load wallets: %w", err)
		default:
			logger.Warn("Wallets file not loaded, relying on Vault", zap.Error(err))
		}
	}
	if cfg.Vault.Enabled {
		vault, err := wallet.NewVaultKeyring(wallet.VaultConfig{
			Addr:       cfg.Vault.Addr,
			Token:      cfg.Vault.Token,
			Mount:      cfg.Vault.Mount,
			PathPrefix: cfg.Vault.PathPrefix,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, vault)
	}
	if len(chain) == 0 {
		return nil, errors.New("no wallet source configured")
	}
	return chain, nil
}
