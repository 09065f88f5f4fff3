// internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/quote"
)

// Chain is the subset of the RPC client the executor drives.
type Chain interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	AwaitConfirmation(ctx context.Context, sig solana.Signature, timeout, poll time.Duration) (solbc.TxStatus, error)
	SignatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (solbc.TxStatus, error)
	GetBalance(ctx context.Context, pubkey solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, uint8, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
}

// Router is the liquidity aggregator.
type Router interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*quote.Quote, error)
	BuildSwapTransaction(ctx context.Context, q *quote.Quote, owner solana.PublicKey) (*solana.Transaction, error)
}

// PriceReference gives the last price seen by the oracle, used by the impact guard.
type PriceReference interface {
	LastKnown(tokenAddress string) (domain.MarketData, bool)
}

// Signer signs on behalf of one owner. Key material stays behind it.
type Signer interface {
	Address() string
	SignTransaction(tx *solana.Transaction) error
}

// TradeStore persists the audit trail.
type TradeStore interface {
	InsertTrade(ctx context.Context, t *domain.TradeRecord) error
	UpdateTrade(ctx context.Context, t *domain.TradeRecord) error
}

// Journal receives every settled trade record.
type Journal interface {
	Append(rec *domain.TradeRecord) error
}

type Config struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	ConfirmTimeout    time.Duration
	PollInterval      time.Duration
	MaxPriceImpactPct float64
	// FeeReserveLamports is kept aside on buys for fees and rent.
	FeeReserveLamports uint64
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BaseBackoff:        500 * time.Millisecond,
		ConfirmTimeout:     30 * time.Second,
		PollInterval:       500 * time.Millisecond,
		MaxPriceImpactPct:  15,
		FeeReserveLamports: 5_000_000,
	}
}

type Options struct {
	Trades  TradeStore
	Journal Journal
	Metrics *metrics.Collector
}

// Executor turns a TradeIntent into at most one landed swap.
type Executor struct {
	cfg     Config
	chain   Chain
	router  Router
	prices  PriceReference
	trades  TradeStore
	journal Journal
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg Config, chain Chain, router Router, prices PriceReference, opts Options, logger *zap.Logger) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Executor{
		cfg:     cfg,
		chain:   chain,
		router:  router,
		prices:  prices,
		trades:  opts.Trades,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  logger.Named("executor"),
		now:     time.Now,
	}
}

// BuyIntent spends solAmount SOL on token.
func BuyIntent(source domain.TradeSource, ownerID, token string, solAmount, slippage float64) domain.TradeIntent {
	return domain.TradeIntent{
		Kind:         domain.TradeBuy,
		Source:       source,
		OwnerID:      ownerID,
		TokenAddress: token,
		SolAmount:    solAmount,
		Slippage:     slippage,
	}
}

// SellIntent sells amount tokens of a position.
func SellIntent(source domain.TradeSource, p *domain.Position, amount, slippage float64) domain.TradeIntent {
	return domain.TradeIntent{
		Kind:                  domain.TradeSell,
		Source:                source,
		OwnerID:               p.OwnerID,
		TokenAddress:          p.TokenAddress,
		TokenAmount:           amount,
		TokenDecimals:         p.TokenDecimals,
		Slippage:              slippage,
		OriginatingPositionID: p.ID,
	}
}

type swapPlan struct {
	owner      solana.PublicKey
	inputMint  string
	outputMint string
	amount     uint64
	decimals   uint8
}

// Execute runs the quote, build, sign, submit and confirm pipeline.
// A confirmation timeout yields OutcomeUnknown with the signature set; the
// caller must Reconcile it before acting again.
func (e *Executor) Execute(ctx context.Context, intent domain.TradeIntent, signer Signer) domain.SwapOutcome {
	start := e.now()
	log := e.logger.With(
		zap.String("owner_id", intent.OwnerID),
		zap.String("kind", string(intent.Kind)),
		zap.String("source", string(intent.Source)),
		zap.String("token", intent.TokenAddress))

	rec := e.openRecord(ctx, intent, log)

	outcome := e.execute(ctx, intent, signer, log)

	e.settle(ctx, rec, outcome, log)
	e.metrics.RecordSwap(string(intent.Kind), string(outcome.Status), e.now().Sub(start))

	switch outcome.Status {
	case domain.OutcomeSuccess:
		log.Info("✅ Swap confirmed", zap.String("signature", outcome.Signature),
			zap.Uint64("in", outcome.InAmount), zap.Uint64("out", outcome.OutAmount))
	case domain.OutcomeUnknown:
		log.Warn("⏳ Swap pending verification", zap.String("signature", outcome.Signature), zap.Error(outcome.Err))
	default:
		log.Warn("❌ Swap failed", zap.String("kind", string(Classify(outcome.Err))), zap.Error(outcome.Err))
	}
	return outcome
}

func (e *Executor) execute(ctx context.Context, intent domain.TradeIntent, signer Signer, log *zap.Logger) domain.SwapOutcome {
	plan, err := e.plan(ctx, intent, signer)
	if err != nil {
		return failed(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseBackoff
	bo.MaxInterval = e.cfg.BaseBackoff * 8

	notify := func(err error, d time.Duration) {
		log.Info("Повтор попытки свапа", zap.Error(err), zap.Duration("backoff", d))
	}

	attempt := func() (domain.SwapOutcome, error) {
		return e.attempt(ctx, intent, plan, signer, log)
	}

	outcome, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(notify))
	if err != nil {
		return failed(err)
	}
	return outcome
}

// plan resolves mints, raw amount and decimals and checks the balance.
func (e *Executor) plan(ctx context.Context, intent domain.TradeIntent, signer Signer) (swapPlan, error) {
	owner, err := solana.PublicKeyFromBase58(signer.Address())
	if err != nil {
		return swapPlan{}, fmt.Errorf("%w: bad signer address: %v", ErrSigningFailure, err)
	}
	mint, err := solana.PublicKeyFromBase58(intent.TokenAddress)
	if err != nil {
		return swapPlan{}, fmt.Errorf("%w: token address: %v", ErrInvalidIntent, err)
	}

	plan := swapPlan{owner: owner, decimals: intent.TokenDecimals}

	switch intent.Kind {
	case domain.TradeBuy:
		if intent.SolAmount <= 0 {
			return swapPlan{}, fmt.Errorf("%w: sol amount must be positive", ErrInvalidIntent)
		}
		plan.inputMint, plan.outputMint = quote.SOLMint, intent.TokenAddress
		plan.amount = quote.Lamports(intent.SolAmount)

		balance, err := e.chain.GetBalance(ctx, owner)
		if err != nil {
			return swapPlan{}, fmt.Errorf("get sol balance: %w", err)
		}
		if balance < plan.amount+e.cfg.FeeReserveLamports {
			return swapPlan{}, fmt.Errorf("%w: have %d lamports, need %d",
				ErrInsufficientBalance, balance, plan.amount+e.cfg.FeeReserveLamports)
		}
		if plan.decimals == 0 {
			if plan.decimals, err = e.chain.MintDecimals(ctx, mint); err != nil {
				return swapPlan{}, fmt.Errorf("get mint decimals: %w", err)
			}
		}

	case domain.TradeSell:
		if intent.TokenAmount <= 0 {
			return swapPlan{}, fmt.Errorf("%w: token amount must be positive", ErrInvalidIntent)
		}
		plan.inputMint, plan.outputMint = intent.TokenAddress, quote.SOLMint

		held, decimals, err := e.chain.TokenBalance(ctx, owner, mint)
		if err != nil {
			if errors.Is(err, solbc.ErrNoTokenAccount) {
				return swapPlan{}, fmt.Errorf("%w: no token account", ErrInsufficientBalance)
			}
			return swapPlan{}, fmt.Errorf("get token balance: %w", err)
		}
		if held == 0 {
			return swapPlan{}, fmt.Errorf("%w: token balance is zero", ErrInsufficientBalance)
		}
		plan.decimals = decimals
		plan.amount = quote.ToRaw(intent.TokenAmount, decimals)
		// продаём не больше, чем реально лежит на кошельке
		if plan.amount > held {
			plan.amount = held
		}

	default:
		return swapPlan{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, intent.Kind)
	}

	if plan.amount == 0 {
		return swapPlan{}, fmt.Errorf("%w: amount rounds to zero", ErrInvalidIntent)
	}
	return plan, nil
}

// attempt is one pass through the pipeline. Errors wrapped in
// backoff.Permanent end the retry loop.
func (e *Executor) attempt(ctx context.Context, intent domain.TradeIntent, plan swapPlan, signer Signer,
	log *zap.Logger) (domain.SwapOutcome, error) {
	slippageBps := quote.SlippageBps(intent.Slippage)

	q, tx, err := e.quoteAndBuild(ctx, plan, slippageBps)
	if err != nil {
		return domain.SwapOutcome{}, retryable(err)
	}

	if err := e.checkImpact(intent, plan, q); err != nil {
		return domain.SwapOutcome{}, backoff.Permanent(err)
	}

	if err := signer.SignTransaction(tx); err != nil {
		return domain.SwapOutcome{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrSigningFailure, err))
	}

	var signed solana.Signature
	if len(tx.Signatures) > 0 {
		signed = tx.Signatures[0]
	}

	sig, err := e.chain.SendTransaction(ctx, tx)
	if err != nil {
		if rejectedBeforeSubmit(err) || signed.IsZero() {
			// узел ответил отказом (или запрос не ушёл): в сеть транзакция не попала
			return domain.SwapOutcome{}, retryable(fmt.Errorf("submit transaction: %w", err))
		}
		// Ответа нет: транзакция могла уйти. Повторная подпись дала бы второй swap.
		log.Warn("Submission outcome unknown",
			zap.String("signature", signed.String()),
			zap.Error(err))
		return domain.SwapOutcome{
			Status:        domain.OutcomeUnknown,
			Signature:     signed.String(),
			InAmount:      q.InAmount,
			OutAmount:     q.OutAmount,
			TokenDecimals: plan.decimals,
			Err:           fmt.Errorf("%w: %v", ErrSubmissionUnknown, err),
		}, nil
	}
	log.Debug("Transaction submitted", zap.String("signature", sig.String()))

	outcome := domain.SwapOutcome{
		Signature:     sig.String(),
		InAmount:      q.InAmount,
		OutAmount:     q.OutAmount,
		TokenDecimals: plan.decimals,
	}

	// From here on the transaction may land; nothing below is retried.
	status, err := e.chain.AwaitConfirmation(ctx, sig, e.cfg.ConfirmTimeout, e.cfg.PollInterval)
	switch {
	case err != nil:
		outcome.Status = domain.OutcomeUnknown
		if errors.Is(err, solbc.ErrConfirmationTimeout) {
			outcome.Err = err
		} else {
			outcome.Err = fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)
		}
		return outcome, nil
	case status.State == solbc.TxFailed:
		outcome.Status = domain.OutcomeFailed
		outcome.Err = fmt.Errorf("%w: %s", ErrTransactionFailed, status.Error)
		return outcome, nil
	default:
		outcome.Status = domain.OutcomeSuccess
		return outcome, nil
	}
}

// quoteAndBuild fetches a quote and builds the swap transaction. A stale
// quote triggers exactly one fresh quote.
func (e *Executor) quoteAndBuild(ctx context.Context, plan swapPlan, slippageBps int) (*quote.Quote, *solana.Transaction, error) {
	q, err := e.router.Quote(ctx, plan.inputMint, plan.outputMint, plan.amount, slippageBps)
	if err != nil {
		return nil, nil, err
	}

	tx, err := e.router.BuildSwapTransaction(ctx, q, plan.owner)
	if errors.Is(err, quote.ErrStaleQuote) {
		e.logger.Debug("Stale quote, refreshing once")
		if q, err = e.router.Quote(ctx, plan.inputMint, plan.outputMint, plan.amount, slippageBps); err != nil {
			return nil, nil, err
		}
		tx, err = e.router.BuildSwapTransaction(ctx, q, plan.owner)
	}
	if err != nil {
		return nil, nil, err
	}
	return q, tx, nil
}

// checkImpact rejects quotes whose reported impact, or whose implied price
// against the oracle's last-known price, exceeds MaxPriceImpactPct.
func (e *Executor) checkImpact(intent domain.TradeIntent, plan swapPlan, q *quote.Quote) error {
	limit := e.cfg.MaxPriceImpactPct
	if limit <= 0 {
		return nil
	}
	if q.PriceImpactPct > limit {
		return fmt.Errorf("%w: quote impact %.2f%% > %.2f%%", ErrImpactTooHigh, q.PriceImpactPct, limit)
	}
	if e.prices == nil {
		return nil
	}

	md, ok := e.prices.LastKnown(intent.TokenAddress)
	if !ok || md.PriceNative <= 0 {
		return nil
	}

	deviation := ImpliedDeviation(intent.Kind, q.InAmount, q.OutAmount, plan.decimals, md.PriceNative)
	if deviation > limit {
		return fmt.Errorf("%w: quote deviates %.2f%% from last known price", ErrImpactTooHigh, deviation)
	}
	return nil
}

// ImpliedDeviation is how much worse than reference (SOL per token) the
// quote's implied price is, in percent. A better-than-reference quote is 0.
func ImpliedDeviation(kind domain.TradeKind, inAmount, outAmount uint64, decimals uint8, reference float64) float64 {
	var sol, tokens float64
	if kind == domain.TradeBuy {
		sol, tokens = quote.FromRaw(inAmount, quote.SOLDecimals), quote.FromRaw(outAmount, decimals)
	} else {
		sol, tokens = quote.FromRaw(outAmount, quote.SOLDecimals), quote.FromRaw(inAmount, decimals)
	}
	if tokens <= 0 || reference <= 0 {
		return math.Inf(1)
	}

	implied := sol / tokens
	var worse float64
	if kind == domain.TradeBuy {
		worse = (implied - reference) / reference * 100
	} else {
		worse = (reference - implied) / reference * 100
	}
	return math.Max(0, worse)
}

// Reconcile resolves an Unknown outcome by looking the signature up in the
// chain's full status history.
func (e *Executor) Reconcile(ctx context.Context, signature string) domain.SwapOutcome {
	out := domain.SwapOutcome{Status: domain.OutcomeUnknown, Signature: signature}

	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		out.Status = domain.OutcomeFailed
		out.Err = fmt.Errorf("%w: bad signature: %v", ErrInvalidIntent, err)
		return out
	}

	status, err := e.chain.SignatureStatus(ctx, sig, true)
	if err != nil {
		out.Err = err
		return out
	}

	switch {
	case status.Landed():
		out.Status = domain.OutcomeSuccess
	case status.State == solbc.TxFailed:
		out.Status = domain.OutcomeFailed
		out.Err = fmt.Errorf("%w: %s", ErrTransactionFailed, status.Error)
	default:
		out.Err = ErrConfirmationTimeout
	}

	e.logger.Info("🔎 Signature reconciled",
		zap.String("signature", signature),
		zap.String("state", string(status.State)),
		zap.String("outcome", string(out.Status)))
	return out
}

func (e *Executor) openRecord(ctx context.Context, intent domain.TradeIntent, log *zap.Logger) *domain.TradeRecord {
	now := e.now()
	rec := &domain.TradeRecord{
		ID:           uuid.NewString(),
		OwnerID:      intent.OwnerID,
		Kind:         intent.Kind,
		Source:       intent.Source,
		TokenAddress: intent.TokenAddress,
		SolAmount:    intent.SolAmount,
		TokenAmount:  intent.TokenAmount,
		Status:       domain.TradePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if e.trades != nil {
		if err := e.trades.InsertTrade(ctx, rec); err != nil {
			log.Warn("Failed to write trade record", zap.Error(err))
		}
	}
	return rec
}

func (e *Executor) settle(ctx context.Context, rec *domain.TradeRecord, outcome domain.SwapOutcome, log *zap.Logger) {
	rec.Signature = outcome.Signature
	rec.UpdatedAt = e.now()
	rec.Error = outcome.Error()

	switch outcome.Status {
	case domain.OutcomeSuccess:
		rec.Status = domain.TradeConfirmed
		if rec.Kind == domain.TradeBuy {
			rec.SolAmount = quote.FromRaw(outcome.InAmount, quote.SOLDecimals)
			rec.TokenAmount = quote.FromRaw(outcome.OutAmount, outcome.TokenDecimals)
		} else {
			rec.TokenAmount = quote.FromRaw(outcome.InAmount, outcome.TokenDecimals)
			rec.SolAmount = quote.FromRaw(outcome.OutAmount, quote.SOLDecimals)
		}
	case domain.OutcomeFailed:
		rec.Status = domain.TradeFailed
	default:
		rec.Status = domain.TradePending
	}

	if e.trades != nil {
		// контекст вызывающего мог быть отменён после отправки
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.trades.UpdateTrade(writeCtx, rec); err != nil {
			log.Warn("Failed to update trade record", zap.Error(err))
		}
	}
	if e.journal != nil {
		if err := e.journal.Append(rec); err != nil {
			log.Warn("Failed to append trade journal", zap.Error(err))
		}
	}
}

func failed(err error) domain.SwapOutcome {
	return domain.SwapOutcome{Status: domain.OutcomeFailed, Err: err}
}

// retryable leaves transient errors as they are and marks the rest permanent.
func retryable(err error) error {
	if Retryable(Classify(err)) {
		return err
	}
	return backoff.Permanent(err)
}
