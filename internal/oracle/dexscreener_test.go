package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/ratelimit"
)

const token = "TokenMint1111111111111111111111111111111111"

const pairsJSON = `{
  "schemaVersion": "1.0.0",
  "pairs": [
    {"chainId":"solana","dexId":"orca","pairAddress":"small","baseToken":{"address":"` + token + `","symbol":"TKN"},
     "priceNative":"0.0001","priceUsd":"0.015","liquidity":{"usd":500},"volume":{"h24":10},"priceChange":{"h24":1}},
    {"chainId":"solana","dexId":"raydium","pairAddress":"deep","baseToken":{"address":"` + token + `","symbol":"TKN"},
     "priceNative":"0.0002","priceUsd":"0.03","liquidity":{"usd":25000},"volume":{"h24":1200},"priceChange":{"h24":-4.5},
     "marketCap":300000},
    {"chainId":"ethereum","dexId":"uniswap","pairAddress":"eth","baseToken":{"address":"` + token + `"},
     "priceUsd":"9","liquidity":{"usd":999999}},
    {"chainId":"solana","dexId":"raydium","pairAddress":"quote-side","baseToken":{"address":"Other"},
     "quoteToken":{"address":"` + token + `"},"priceUsd":"7","liquidity":{"usd":999999}}
  ]
}`

func newTestOracle(t *testing.T, handler http.HandlerFunc) (*Oracle, *prometheus.Registry) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	limiter := ratelimit.NewBucket(providerName, 100, 10, time.Second)
	return New(Config{BaseURL: srv.URL + "/"}, limiter, metrics.NewCollector(reg), zaptest.NewLogger(t)), reg
}

func TestGetMarketDataPicksDeepestSolanaPair(t *testing.T) {
	o, reg := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/"+token, r.URL.Path)
		_, _ = w.Write([]byte(pairsJSON))
	})

	data, err := o.GetMarketData(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, "deep", data.PairAddress)
	assert.InDelta(t, 0.03, data.Price, 1e-12)
	assert.InDelta(t, 0.0002, data.PriceNative, 1e-12)
	assert.InDelta(t, 25000, data.Liquidity, 1e-9)
	assert.InDelta(t, 300000, data.MarketCap, 1e-9)
	assert.InDelta(t, -4.5, data.PriceChange24h, 1e-9)

	last, ok := o.LastKnown(token)
	require.True(t, ok)
	assert.Equal(t, "deep", last.PairAddress)

	expected := `
# HELP solana_trader_provider_requests_total External provider requests by result
# TYPE solana_trader_provider_requests_total counter
solana_trader_provider_requests_total{provider="dexscreener",result="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "solana_trader_provider_requests_total"))
}

func TestGetMarketDataNoPairs(t *testing.T) {
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"schemaVersion":"1.0.0","pairs":null}`))
	})

	_, err := o.GetMarketData(context.Background(), token)
	assert.ErrorIs(t, err, ErrNoData)

	_, ok := o.LastKnown(token)
	assert.False(t, ok)
}

func TestGetMarketDataProviderDown(t *testing.T) {
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := o.Price(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLastKnownSurvivesFailure(t *testing.T) {
	calls := 0
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(pairsJSON))
	})

	_, err := o.Price(context.Background(), token)
	require.NoError(t, err)
	_, err = o.Price(context.Background(), token)
	require.Error(t, err)

	last, ok := o.LastKnown(token)
	require.True(t, ok)
	assert.InDelta(t, 0.03, last.Price, 1e-12)
}

func TestLatestTokens(t *testing.T) {
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token-profiles/latest/v1", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"chainId":"solana","tokenAddress":"A"},
			{"chainId":"base","tokenAddress":"B"},
			{"chainId":"solana","tokenAddress":"C"},
			{"chainId":"solana","tokenAddress":"A"}
		]`))
	})

	tokens, err := o.LatestTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, tokens)
}
