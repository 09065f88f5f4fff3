// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	RPC         RPCConfig       `mapstructure:"rpc"`
	Jupiter     ProviderConfig  `mapstructure:"jupiter"`
	DexScreener ProviderConfig  `mapstructure:"dexscreener"`
	Executor    ExecutorConfig  `mapstructure:"executor"`
	Ledger      LedgerConfig    `mapstructure:"ledger"`
	Monitor     MonitorConfig   `mapstructure:"monitor"`
	CopyTrade   CopyTradeConfig `mapstructure:"copytrade"`
	Snipe       SnipeConfig     `mapstructure:"snipe"`
	Alerts      AlertsConfig    `mapstructure:"alerts"`
	RateLimit   RateLimitConfig `mapstructure:"ratelimit"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Vault       VaultConfig     `mapstructure:"vault"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Log         LogConfig       `mapstructure:"log"`
	Analytics   AnalyticsConfig `mapstructure:"analytics"`
	WalletsFile string          `mapstructure:"wallets_file"`
	// Optional YAML with follows, snipe criteria and alerts to apply at start.
	AutomationsFile string `mapstructure:"automations_file"`
}

type RPCConfig struct {
	URL               string `mapstructure:"url"`
	WebSocketURL      string `mapstructure:"ws_url"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
}

// ProviderConfig describes an external HTTP provider and its token bucket.
type ProviderConfig struct {
	URL        string  `mapstructure:"url"`
	TimeoutMs  int     `mapstructure:"timeout_ms"`
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
	MaxWaitMs  int     `mapstructure:"max_wait_ms"`
	QuoteTTLMs int     `mapstructure:"quote_ttl_ms"`
}

type ExecutorConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BaseBackoffMs     int     `mapstructure:"base_backoff_ms"`
	ConfirmTimeoutMs  int     `mapstructure:"confirm_timeout_ms"`
	PollIntervalMs    int     `mapstructure:"poll_interval_ms"`
	MaxPriceImpactPct float64 `mapstructure:"max_price_impact_pct"`
	EmergencySlippage float64 `mapstructure:"emergency_slippage"`
}

type LedgerConfig struct {
	LeaseTTLMs int `mapstructure:"lease_ttl_ms"`
}

type MonitorConfig struct {
	IntervalMs            int    `mapstructure:"interval_ms"`
	MissingPriceWarnAfter int    `mapstructure:"missing_price_warn_after"`
	StaleHorizonDays      int    `mapstructure:"stale_horizon_days"`
	HousekeepingCron      string `mapstructure:"housekeeping_cron"`
	// TradeRetentionDays: confirmed trade records older than this are pruned; 0 keeps them forever.
	TradeRetentionDays int `mapstructure:"trade_retention_days"`
}

type CopyTradeConfig struct {
	MaxDelaySeconds int `mapstructure:"max_delay_seconds"`
	QueueSize       int `mapstructure:"queue_size"`
	// Parser: "transfer" или "balance_delta"
	Parser string `mapstructure:"parser"`
	// AnalyticsDepth: сколько последних транзакций кошелька разбирать для аналитики
	AnalyticsDepth int `mapstructure:"analytics_depth"`
}

type SnipeConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

type AlertsConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

type RateLimitConfig struct {
	WindowMs    int `mapstructure:"window_ms"`
	MaxRequests int `mapstructure:"max_requests"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	PostgresURL string `mapstructure:"postgres_url"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Token      string `mapstructure:"token"`
	Mount      string `mapstructure:"mount"`
	PathPrefix string `mapstructure:"path_prefix"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	File        string `mapstructure:"file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxAge      int    `mapstructure:"max_age"`
	MaxBackups  int    `mapstructure:"max_backups"`
	Compress    bool   `mapstructure:"compress"`
	Development bool   `mapstructure:"development"`
}

type AnalyticsConfig struct {
	Cron        string `mapstructure:"cron"`
	ExportDir   string `mapstructure:"export_dir"`
	JournalFile string `mapstructure:"journal_file"`
}

const (
	DefaultRPCURL            = "https://api.mainnet-beta.solana.com"
	DefaultWebSocketURL      = "wss://api.mainnet-beta.solana.com"
	DefaultJupiterURL        = "https://quote-api.jup.ag/v6"
	DefaultDexScreenerURL    = "https://api.dexscreener.com"
	DefaultMaxAttempts       = 3
	DefaultBaseBackoffMs     = 500
	DefaultConfirmTimeoutMs  = 30000
	DefaultPollIntervalMs    = 500
	DefaultMaxPriceImpact    = 15.0
	DefaultEmergencySlippage = 5.0
	DefaultLeaseTTLMs        = 60000
	DefaultMonitorIntervalMs = 15000
	DefaultStaleHorizonDays  = 365
	DefaultTradeRetention    = 180
	DefaultAlertIntervalMs   = 30000
	DefaultSnipeIntervalMs   = 10000
	DefaultWindowMs          = 60000
	DefaultMaxRequests       = 100
	envPrefix                = "SOLANA_TRADER"
)

func LoadConfig(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, validateConfig(&cfg)
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]interface{}{
		"rpc.url":                          DefaultRPCURL,
		"rpc.ws_url":                       DefaultWebSocketURL,
		"rpc.requests_per_second":          10,
		"jupiter.url":                      DefaultJupiterURL,
		"jupiter.timeout_ms":               10000,
		"jupiter.rps":                      1.0,
		"jupiter.burst":                    5,
		"jupiter.max_wait_ms":              5000,
		"jupiter.quote_ttl_ms":             30000,
		"dexscreener.url":                  DefaultDexScreenerURL,
		"dexscreener.timeout_ms":           10000,
		"dexscreener.rps":                  5.0, // 300 per minute
		"dexscreener.burst":                10,
		"dexscreener.max_wait_ms":          2000,
		"executor.max_attempts":            DefaultMaxAttempts,
		"executor.base_backoff_ms":         DefaultBaseBackoffMs,
		"executor.confirm_timeout_ms":      DefaultConfirmTimeoutMs,
		"executor.poll_interval_ms":        DefaultPollIntervalMs,
		"executor.max_price_impact_pct":    DefaultMaxPriceImpact,
		"executor.emergency_slippage":      DefaultEmergencySlippage,
		"ledger.lease_ttl_ms":              DefaultLeaseTTLMs,
		"monitor.interval_ms":              DefaultMonitorIntervalMs,
		"monitor.missing_price_warn_after": 5,
		"monitor.stale_horizon_days":       DefaultStaleHorizonDays,
		"monitor.housekeeping_cron":        "0 0 3 * * *",
		"monitor.trade_retention_days":     DefaultTradeRetention,
		"copytrade.max_delay_seconds":      300,
		"copytrade.queue_size":             64,
		"copytrade.parser":                 "transfer",
		"copytrade.analytics_depth":        100,
		"snipe.interval_ms":                DefaultSnipeIntervalMs,
		"alerts.interval_ms":               DefaultAlertIntervalMs,
		"ratelimit.window_ms":              DefaultWindowMs,
		"ratelimit.max_requests":           DefaultMaxRequests,
		"storage.driver":                   "memory",
		"storage.postgres_url":             "",
		"redis.enabled":                    false,
		"redis.addr":                       "localhost:6379",
		"redis.password":                   "",
		"redis.db":                         0,
		"vault.enabled":                    false,
		"vault.addr":                       "",
		"vault.token":                      "",
		"vault.mount":                      "secret",
		"vault.path_prefix":                "solana-trader/wallets",
		"wallets_file":                     "configs/wallets.csv",
		"http.addr":                        ":8080",
		"http.jwt_secret":                  "",
		"log.file":                         "logs/trader.log",
		"log.max_size":                     100,
		"log.max_age":                      7,
		"log.max_backups":                  3,
		"log.compress":                     true,
		"analytics.cron":                   "0 0 * * * *",
		"analytics.export_dir":             "reports",
		"analytics.journal_file":           "reports/trades.csv",
		"automations_file":                 "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func validateConfig(cfg *Config) error {
	if err := validateURLWithCache(cfg.RPC.URL, "http"); err != nil {
		return fmt.Errorf("invalid rpc.url: %w", err)
	}
	if cfg.RPC.WebSocketURL != "" {
		if err := validateURLWithCache(cfg.RPC.WebSocketURL, "ws"); err != nil {
			return fmt.Errorf("invalid rpc.ws_url: %w", err)
		}
	}
	if err := validateURLWithCache(cfg.Jupiter.URL, "http"); err != nil {
		return fmt.Errorf("invalid jupiter.url: %w", err)
	}
	if err := validateURLWithCache(cfg.DexScreener.URL, "http"); err != nil {
		return fmt.Errorf("invalid dexscreener.url: %w", err)
	}
	if err := validateNumericParams(cfg); err != nil {
		return err
	}
	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	switch cfg.CopyTrade.Parser {
	case "transfer", "balance_delta":
	default:
		return fmt.Errorf("unknown copytrade.parser %q", cfg.CopyTrade.Parser)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if cfg.Vault.Enabled && (cfg.Vault.Addr == "" || cfg.Vault.Token == "") {
		return errors.New("vault.addr and vault.token are required when vault is enabled")
	}
	return nil
}

func validateNumericParams(cfg *Config) error {
	if cfg.Executor.MaxAttempts <= 0 {
		return errors.New("invalid executor.max_attempts")
	}
	if cfg.Executor.BaseBackoffMs <= 0 {
		return errors.New("invalid executor.base_backoff_ms")
	}
	if cfg.Executor.ConfirmTimeoutMs <= 0 || cfg.Executor.PollIntervalMs <= 0 {
		return errors.New("invalid executor confirmation timing")
	}
	if cfg.Executor.MaxPriceImpactPct <= 0 {
		return errors.New("invalid executor.max_price_impact_pct")
	}
	if cfg.Ledger.LeaseTTLMs <= 0 {
		return errors.New("invalid ledger.lease_ttl_ms")
	}
	if cfg.Monitor.IntervalMs <= 0 {
		return errors.New("invalid monitor.interval_ms")
	}
	if cfg.Monitor.StaleHorizonDays <= 0 {
		return errors.New("invalid monitor.stale_horizon_days")
	}
	if cfg.Monitor.TradeRetentionDays < 0 {
		return errors.New("invalid monitor.trade_retention_days")
	}
	if cfg.CopyTrade.MaxDelaySeconds < 0 || cfg.CopyTrade.MaxDelaySeconds > 300 {
		return errors.New("invalid copytrade.max_delay_seconds")
	}
	if cfg.Snipe.IntervalMs <= 0 || cfg.Alerts.IntervalMs <= 0 {
		return errors.New("invalid snipe/alerts interval")
	}
	if cfg.RateLimit.WindowMs <= 0 || cfg.RateLimit.MaxRequests <= 0 {
		return errors.New("invalid ratelimit window")
	}
	if cfg.Jupiter.RPS <= 0 || cfg.DexScreener.RPS <= 0 {
		return errors.New("provider rps must be positive")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Timeout returns the provider HTTP timeout.
func (p ProviderConfig) Timeout() time.Duration { return ms(p.TimeoutMs) }

// MaxWait bounds how long a caller blocks on the provider's token bucket.
func (p ProviderConfig) MaxWait() time.Duration { return ms(p.MaxWaitMs) }

// QuoteTTL is how long a quote stays executable.
func (p ProviderConfig) QuoteTTL() time.Duration { return ms(p.QuoteTTLMs) }

func (e ExecutorConfig) BaseBackoff() time.Duration    { return ms(e.BaseBackoffMs) }
func (e ExecutorConfig) ConfirmTimeout() time.Duration { return ms(e.ConfirmTimeoutMs) }
func (e ExecutorConfig) PollInterval() time.Duration   { return ms(e.PollIntervalMs) }

func (l LedgerConfig) LeaseTTL() time.Duration { return ms(l.LeaseTTLMs) }

func (m MonitorConfig) Interval() time.Duration { return ms(m.IntervalMs) }

// TradeRetention is how long confirmed trade records are kept.
func (m MonitorConfig) TradeRetention() time.Duration {
	return time.Duration(m.TradeRetentionDays) * 24 * time.Hour
}

// StaleHorizon is the age after which an open position is force-closed.
func (m MonitorConfig) StaleHorizon() time.Duration {
	return time.Duration(m.StaleHorizonDays) * 24 * time.Hour
}

func (s SnipeConfig) Interval() time.Duration  { return ms(s.IntervalMs) }
func (a AlertsConfig) Interval() time.Duration { return ms(a.IntervalMs) }
func (r RateLimitConfig) Window() time.Duration {
	return ms(r.WindowMs)
}
