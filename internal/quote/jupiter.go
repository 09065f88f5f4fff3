// internal/quote/jupiter.go
package quote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/ratelimit"
)

const providerName = "jupiter"

var (
	// ErrQuoteUnavailable – нет маршрута для пары/объёма.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrStaleQuote – котировка устарела, нужна новая.
	ErrStaleQuote = errors.New("stale quote")
	// ErrUnavailable – сетевой сбой или 5xx, можно повторить.
	ErrUnavailable = errors.New("quote provider unavailable")
)

// Quote is an executable swap proposal. The provider's original response is
// kept verbatim because the swap endpoint expects it back unchanged.
type Quote struct {
	InputMint            string
	OutputMint           string
	InAmount             uint64
	OutAmount            uint64
	OtherAmountThreshold uint64
	SlippageBps          int
	PriceImpactPct       float64
	FetchedAt            time.Time

	raw json.RawMessage
}

// Expired reports whether the quote is older than ttl.
func (q *Quote) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(q.FetchedAt) > ttl
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Config of the Jupiter client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	QuoteTTL time.Duration
}

// Router talks to the Jupiter aggregator.
type Router struct {
	baseURL  string
	quoteTTL time.Duration
	client   *http.Client
	limiter  ratelimit.Limiter
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

func NewRouter(cfg Config, limiter ratelimit.Limiter, m *metrics.Collector, logger *zap.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Router{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		quoteTTL: cfg.QuoteTTL,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		metrics:  m,
		logger:   logger.Named("jupiter"),
		now:      time.Now,
	}
}

// Quote requests a route for amount (base units of inputMint).
func (r *Router) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", ErrQuoteUnavailable)
	}

	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(slippageBps))

	body, err := r.do(ctx, http.MethodGet, r.baseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode quote: %v", ErrUnavailable, err)
	}

	q := &Quote{
		InputMint:   resp.InputMint,
		OutputMint:  resp.OutputMint,
		SlippageBps: resp.SlippageBps,
		FetchedAt:   r.now(),
		raw:         json.RawMessage(body),
	}
	if q.InAmount, err = strconv.ParseUint(resp.InAmount, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: bad inAmount %q", ErrUnavailable, resp.InAmount)
	}
	if q.OutAmount, err = strconv.ParseUint(resp.OutAmount, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: bad outAmount %q", ErrUnavailable, resp.OutAmount)
	}
	q.OtherAmountThreshold, _ = strconv.ParseUint(resp.OtherAmountThreshold, 10, 64)
	if impact, err := strconv.ParseFloat(resp.PriceImpactPct, 64); err == nil {
		// Jupiter отдаёт долю, не проценты
		q.PriceImpactPct = impact * 100
	}
	if q.OutAmount == 0 {
		return nil, fmt.Errorf("%w: empty route", ErrQuoteUnavailable)
	}

	r.logger.Debug("quote received",
		zap.String("input", inputMint),
		zap.String("output", outputMint),
		zap.Uint64("in", q.InAmount),
		zap.Uint64("out", q.OutAmount),
		zap.Float64("impact_pct", q.PriceImpactPct))
	return q, nil
}

// BuildSwapTransaction asks the aggregator for an unsigned transaction that
// executes q for owner. Expired quotes are rejected before any request.
func (r *Router) BuildSwapTransaction(ctx context.Context, q *Quote, owner solana.PublicKey) (*solana.Transaction, error) {
	if q == nil || len(q.raw) == 0 {
		return nil, fmt.Errorf("%w: empty quote", ErrQuoteUnavailable)
	}
	if q.Expired(r.now(), r.quoteTTL) {
		return nil, ErrStaleQuote
	}

	payload, err := json.Marshal(swapRequest{
		QuoteResponse:             q.raw,
		UserPublicKey:             owner.String(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("encode swap request: %w", err)
	}

	body, err := r.do(ctx, http.MethodPost, r.baseURL+"/swap", payload)
	if err != nil {
		return nil, err
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode swap: %v", ErrUnavailable, err)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: bad swap transaction encoding", ErrUnavailable)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	return tx, nil
}

func (r *Router) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.metrics.ProviderRequest(providerName, "rate_limited")
			return nil, err
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.ProviderRequest(providerName, "error")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.metrics.ProviderRequest(providerName, "error")
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		r.metrics.ProviderRequest(providerName, "ok")
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		r.metrics.ProviderRequest(providerName, "error")
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		r.metrics.ProviderRequest(providerName, "rejected")
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		if strings.Contains(strings.ToLower(e.ErrorCode+e.Error), "expired") {
			return nil, fmt.Errorf("%w: %s", ErrStaleQuote, e.Error)
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrQuoteUnavailable, e.Error, e.ErrorCode)
	}
}
