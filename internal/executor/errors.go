// internal/executor/errors.go
package executor

import (
	"context"
	"errors"
	"net"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/rovshanmuradov/solana-trader/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/oracle"
	"github.com/rovshanmuradov/solana-trader/internal/quote"
	"github.com/rovshanmuradov/solana-trader/internal/ratelimit"
	"github.com/rovshanmuradov/solana-trader/internal/wallet"
)

var (
	ErrTransientNetwork    = errors.New("transient network error")
	ErrQuoteUnavailable    = quote.ErrQuoteUnavailable
	ErrImpactTooHigh       = errors.New("price impact too high")
	ErrStaleQuote          = quote.ErrStaleQuote
	ErrSigningFailure      = errors.New("signing failure")
	ErrConfirmationTimeout = solbc.ErrConfirmationTimeout
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrInvalidIntent       = errors.New("invalid trade intent")
	// ErrSubmissionUnknown: send failed without a node verdict, the
	// signed transaction may still land.
	ErrSubmissionUnknown = errors.New("submission outcome unknown")
)

// Kind is the classified category of an error seen at the provider boundary.
type Kind string

const (
	KindNone                Kind = ""
	KindTransientNetwork    Kind = "transient_network"
	KindQuoteUnavailable    Kind = "quote_unavailable"
	KindImpactTooHigh       Kind = "impact_too_high"
	KindStaleQuote          Kind = "stale_quote"
	KindSigningFailure      Kind = "signing_failure"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindRateLimited         Kind = "rate_limited"
	KindBusy                Kind = "busy"
	KindCanceled            Kind = "canceled"
	KindFailed              Kind = "failed"
)

// Classify maps any error to its Kind. Unknown errors are KindFailed.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ledger.ErrBusy):
		return KindBusy
	case errors.Is(err, ErrImpactTooHigh):
		return KindImpactTooHigh
	case errors.Is(err, ErrSigningFailure), errors.Is(err, wallet.ErrUnknownOwner):
		return KindSigningFailure
	case errors.Is(err, quote.ErrStaleQuote):
		return KindStaleQuote
	case errors.Is(err, quote.ErrQuoteUnavailable), errors.Is(err, oracle.ErrNoData):
		return KindQuoteUnavailable
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, solbc.ErrConfirmationTimeout), errors.Is(err, ErrSubmissionUnknown):
		return KindConfirmationTimeout
	case errors.Is(err, ratelimit.ErrExhausted):
		return KindRateLimited
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrTransientNetwork),
		errors.Is(err, quote.ErrUnavailable),
		errors.Is(err, oracle.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransientNetwork
	}

	switch solbc.ClassifyRPCError(err) {
	case solbc.RPCErrorInsufficientFunds:
		return KindInsufficientBalance
	case solbc.RPCErrorBlockhashExpired, solbc.RPCErrorNodeUnhealthy:
		return KindTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	return KindFailed
}

// Retryable reports whether an attempt failing with kind may be retried with backoff.
func Retryable(kind Kind) bool {
	return kind == KindTransientNetwork
}

// rejectedBeforeSubmit reports whether a SendTransaction error proves the
// transaction never reached the cluster: the node answered with a JSON-RPC
// error (preflight) or the local pacer refused to send it.
func rejectedBeforeSubmit(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return true
	}
	return errors.Is(err, ratelimit.ErrExhausted)
}
