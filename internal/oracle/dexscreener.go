// internal/oracle/dexscreener.go
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/ratelimit"
)

const (
	providerName = "dexscreener"
	solanaChain  = "solana"
)

var (
	// ErrNoData – провайдер не знает токен. Не ошибка для монитора: цикл пропускается.
	ErrNoData = errors.New("no market data")
	// ErrUnavailable – сетевой сбой или ответ не 200.
	ErrUnavailable = errors.New("market data provider unavailable")
)

// DexScreenerResponse представляет основную структуру ответа
type DexScreenerResponse struct {
	SchemaVersion string     `json:"schemaVersion"`
	Pairs         []PairInfo `json:"pairs"`
}

// PairInfo содержит информацию о паре
type PairInfo struct {
	ChainID       string        `json:"chainId"`
	DexID         string        `json:"dexId"`
	PairAddress   string        `json:"pairAddress"`
	BaseToken     TokenInfo     `json:"baseToken"`
	QuoteToken    TokenInfo     `json:"quoteToken"`
	PriceNative   string        `json:"priceNative"`
	PriceUsd      string        `json:"priceUsd"`
	Volume        Window        `json:"volume"`
	PriceChange   Window        `json:"priceChange"`
	Liquidity     LiquidityInfo `json:"liquidity"`
	MarketCap     float64       `json:"marketCap"`
	Fdv           float64       `json:"fdv"`
	PairCreatedAt int64         `json:"pairCreatedAt"`
}

// TokenInfo содержит информацию о токене
type TokenInfo struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

// Window – значения по временным окнам.
type Window struct {
	H24 float64 `json:"h24"`
	H6  float64 `json:"h6"`
	H1  float64 `json:"h1"`
	M5  float64 `json:"m5"`
}

// LiquidityInfo содержит информацию о ликвидности
type LiquidityInfo struct {
	USD   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

// TokenProfile – элемент ленты token-profiles/latest.
type TokenProfile struct {
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
}

// Config of the DexScreener client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Oracle resolves market data via DexScreener and remembers the last
// successful snapshot per token.
type Oracle struct {
	baseURL string
	client  *http.Client
	limiter ratelimit.Limiter
	metrics *metrics.Collector
	logger  *zap.Logger

	mu        sync.RWMutex
	lastKnown map[string]domain.MarketData
}

// New создает новый экземпляр оракула. limiter общий для всех задач процесса.
func New(cfg Config, limiter ratelimit.Limiter, m *metrics.Collector, logger *zap.Logger) *Oracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Oracle{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		metrics:   m,
		logger:    logger.Named("oracle"),
		lastKnown: make(map[string]domain.MarketData),
	}
}

// GetMarketData returns the snapshot of the most liquid Solana pair where the
// token is the base asset.
func (o *Oracle) GetMarketData(ctx context.Context, tokenAddress string) (*domain.MarketData, error) {
	url := fmt.Sprintf("%s/latest/dex/tokens/%s", o.baseURL, tokenAddress)

	var response DexScreenerResponse
	if err := o.doRequest(ctx, url, &response); err != nil {
		return nil, err
	}

	var best *PairInfo
	for i := range response.Pairs {
		pair := &response.Pairs[i]
		if pair.ChainID != solanaChain || pair.BaseToken.Address != tokenAddress {
			continue
		}
		if best == nil || pair.Liquidity.USD > best.Liquidity.USD {
			best = pair
		}
	}
	if best == nil {
		o.metrics.ProviderRequest(providerName, "no_data")
		return nil, fmt.Errorf("%w: %s", ErrNoData, tokenAddress)
	}

	price, err := strconv.ParseFloat(best.PriceUsd, 64)
	if err != nil || price <= 0 {
		o.metrics.ProviderRequest(providerName, "no_data")
		return nil, fmt.Errorf("%w: %s has no usd price", ErrNoData, tokenAddress)
	}
	native, _ := strconv.ParseFloat(best.PriceNative, 64)

	marketCap := best.MarketCap
	if marketCap == 0 {
		marketCap = best.Fdv
	}

	data := domain.MarketData{
		TokenAddress:   tokenAddress,
		Price:          price,
		PriceNative:    native,
		PriceChange24h: best.PriceChange.H24,
		Volume24h:      best.Volume.H24,
		MarketCap:      marketCap,
		Liquidity:      best.Liquidity.USD,
		PairAddress:    best.PairAddress,
		DexID:          best.DexID,
		FetchedAt:      time.Now(),
	}

	o.mu.Lock()
	o.lastKnown[tokenAddress] = data
	o.mu.Unlock()

	o.metrics.ProviderRequest(providerName, "ok")
	return &data, nil
}

// Price is a shortcut for GetMarketData(...).Price.
func (o *Oracle) Price(ctx context.Context, tokenAddress string) (float64, error) {
	data, err := o.GetMarketData(ctx, tokenAddress)
	if err != nil {
		return 0, err
	}
	return data.Price, nil
}

// LastKnown returns the last successful snapshot without a network call.
func (o *Oracle) LastKnown(tokenAddress string) (domain.MarketData, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.lastKnown[tokenAddress]
	return data, ok
}

// LatestTokens returns addresses of recently listed Solana tokens.
func (o *Oracle) LatestTokens(ctx context.Context) ([]string, error) {
	var profiles []TokenProfile
	if err := o.doRequest(ctx, o.baseURL+"/token-profiles/latest/v1", &profiles); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(profiles))
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.ChainID != solanaChain || p.TokenAddress == "" {
			continue
		}
		if _, dup := seen[p.TokenAddress]; dup {
			continue
		}
		seen[p.TokenAddress] = struct{}{}
		out = append(out, p.TokenAddress)
	}
	o.metrics.ProviderRequest(providerName, "ok")
	return out, nil
}

// doRequest выполняет HTTP запрос с учетом rate limit
func (o *Oracle) doRequest(ctx context.Context, url string, out interface{}) error {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			o.metrics.ProviderRequest(providerName, "rate_limited")
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		o.metrics.ProviderRequest(providerName, "error")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		o.metrics.ProviderRequest(providerName, "no_data")
		return ErrNoData
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		o.metrics.ProviderRequest(providerName, "error")
		return fmt.Errorf("%w: status %d, body: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		o.metrics.ProviderRequest(providerName, "error")
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
